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
	"strings"

	"github.com/quarrydev/quarry/errorutil"
)

// knownSafeFlagPrefixes are flags whose values routinely contain characters
// that would otherwise trip the metacharacter check, e.g. --format=%H%n%s.
// The value of such a flag is consumed by git itself and never reaches a
// shell or a hook.
var knownSafeFlagPrefixes = []string{
	"--format=",
	"--pretty=",
	"--date=",
}

// brokenFlagPrefixes enumerate git flags that cause git to execute an
// arbitrary program. They must never be accepted from any caller.
var brokenFlags = []string{
	"--upload-pack",
	"--receive-pack",
	"--exec",
	"--upload-archive",
}

// brokenConfigPrefixes are `git -c` keys that redirect transport or hook
// execution.
var brokenConfigPrefixes = []string{
	"core.sshcommand=",
	"core.sshcommand",
	"protocol.",
}

// systemPathPrefixes are directories a flag value must never point into.
var systemPathPrefixes = []string{
	"/etc", "/usr", "/var", "/dev", "/proc",
}

// CheckArgs validates a full argument vector. Each element must pass the
// safe-value filter; flag elements additionally pass the broken-flag
// filter. The vector is inspected as a whole so that `-c key=value` pairs
// can be evaluated together.
func CheckArgs(args []string) error {
	for i, arg := range args {
		if err := checkSafeValue(arg); err != nil {
			return err
		}
		if err := checkBrokenFlag(arg); err != nil {
			return err
		}
		if arg == "-c" && i+1 < len(args) {
			if err := checkConfigPair(args[i+1]); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkSafeValue rejects byte sequences that could smuggle content past
// git's argument parsing: NUL, newlines, other control bytes (tab
// excepted), high bytes, and shell metacharacters outside a known-safe
// flag prefix.
func checkSafeValue(arg string) error {
	for i := 0; i < len(arg); i++ {
		b := arg[i]
		switch {
		case b == 0x00 || b == '\n' || b == '\r':
			return errorutil.New(errorutil.InvalidArgument, "argument %q contains a forbidden control byte", arg)
		case b < 0x20 && b != '\t':
			return errorutil.New(errorutil.InvalidArgument, "argument %q contains a forbidden control byte", arg)
		case b > 0x7E:
			return errorutil.New(errorutil.InvalidArgument, "argument %q contains a non-ASCII byte", arg)
		}
	}
	if strings.ContainsAny(arg, ";|&$`") && !hasKnownSafePrefix(arg) {
		return errorutil.New(errorutil.CommandInjection, "argument %q contains shell metacharacters", arg)
	}
	return nil
}

func hasKnownSafePrefix(arg string) bool {
	for _, prefix := range knownSafeFlagPrefixes {
		if strings.HasPrefix(arg, prefix) {
			return true
		}
	}
	return false
}

func checkBrokenFlag(arg string) error {
	if !strings.HasPrefix(arg, "-") {
		return nil
	}
	lower := strings.ToLower(arg)
	for _, flag := range brokenFlags {
		if lower == flag || strings.HasPrefix(lower, flag+"=") {
			return errorutil.New(errorutil.CommandInjection, "flag %q can execute arbitrary commands", arg)
		}
	}
	if idx := strings.Index(arg, "="); idx >= 0 {
		value := arg[idx+1:]
		for _, prefix := range systemPathPrefixes {
			if value == prefix || strings.HasPrefix(value, prefix+"/") {
				return errorutil.New(errorutil.CommandInjection, "flag %q points into a system path", arg)
			}
		}
	}
	return nil
}

// checkConfigPair vets the key=value argument following `-c`.
func checkConfigPair(pair string) error {
	lower := strings.ToLower(pair)
	for _, prefix := range brokenConfigPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return errorutil.New(errorutil.CommandInjection, "config override %q can redirect command execution", pair)
		}
	}
	return nil
}
