/*
Copyright 2025 The Quarry Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gitexec

import (
	"net/url"
	"strings"

	"github.com/quarrydev/quarry/errorutil"
)

// allowedURLSchemes are the transports a remote URL may use.
var allowedURLSchemes = map[string]bool{
	"https": true,
	"http":  true,
	"git":   true,
	"ssh":   true,
}

// forbiddenEscapes are percent-encoded bytes that must never appear in a
// URL destined for a log line or a stored row.
var forbiddenEscapes = []string{"%00", "%0a", "%0d"}

// SanitizeURL strips userinfo from a remote URL and validates its scheme
// and content. The returned string is safe to log and persist; the
// original credentials are unrecoverable from it.
func SanitizeURL(raw string) (string, error) {
	if strings.ContainsAny(raw, ";|&$`\n\r") {
		return "", errorutil.New(errorutil.InvalidArgument, "URL contains shell metacharacters")
	}
	lower := strings.ToLower(raw)
	for _, escape := range forbiddenEscapes {
		if strings.Contains(lower, escape) {
			return "", errorutil.New(errorutil.InvalidArgument, "URL contains a forbidden escape sequence")
		}
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", errorutil.Wrap(errorutil.InvalidArgument, err, "parsing URL")
	}
	if !allowedURLSchemes[parsed.Scheme] {
		return "", errorutil.New(errorutil.InvalidArgument, "URL scheme %q is not allowed", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", errorutil.New(errorutil.InvalidArgument, "URL has no host")
	}
	parsed.User = nil
	return parsed.String(), nil
}
