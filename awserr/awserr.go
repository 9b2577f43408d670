// Package awserr classifies AWS SDK v2 errors returned by the optional
// Archiver, Ledger and Event Publisher components, using
// github.com/aws/smithy-go to extract the API error code and to
// distinguish "not found" responses from real failures.
package awserr

import (
	"errors"

	"github.com/aws/smithy-go"
)

// Code returns the AWS error code for err, or "" if err does not carry
// a modeled smithy API error.
func Code(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsNotFound reports whether err represents a missing S3 object /
// DynamoDB item / SQS queue.
func IsNotFound(err error) bool {
	switch Code(err) {
	case "NoSuchKey", "NotFound", "ResourceNotFoundException", "QueueDoesNotExist":
		return true
	default:
		return false
	}
}
