// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

// ErrorClassifier defines methods for programmatic error handling.
// Errors that implement this interface can be classified by type
// for the run row's error_type column, HTTP status mapping, or
// infrastructure retry decisions.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "validation", "not_found", "infrastructure", "oom"
	ErrorType() string

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool
}

// TypeOf returns the ErrorType of the first classifier in err's tree,
// or "" when the error carries no classification.
func TypeOf(err error) string {
	var classifier ErrorClassifier
	if As(err, &classifier) {
		return classifier.ErrorType()
	}
	return ""
}

// Retryable reports whether the first classifier in err's tree considers
// the operation retryable. Unclassified errors are treated as retryable
// so that transport-level failures keep their usual retry behavior.
func Retryable(err error) bool {
	var classifier ErrorClassifier
	if As(err, &classifier) {
		return classifier.IsRetryable()
	}
	return true
}
