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

package sshserver

import (
	"strings"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/repopath"
	"github.com/quarrydev/quarry/store"
)

// allowedCommands maps the accepted service verbs to the access level
// they require. Anything else is refused before argument parsing.
var allowedCommands = map[string]store.AccessLevel{
	"git-upload-pack":    store.AccessRead,
	"git-upload-archive": store.AccessRead,
	"git-receive-pack":   store.AccessWrite,
}

// Command is a parsed SSH exec payload.
type Command struct {
	// Verb is the service name, e.g. git-upload-pack.
	Verb  string
	Owner string
	Repo  string
}

// RequiredAccess returns the access level the verb demands.
func (c *Command) RequiredAccess() store.AccessLevel {
	return allowedCommands[c.Verb]
}

// ServiceArgs is the argument vector handed to the git binary.
func (c *Command) ServiceArgs() []string {
	// git-upload-pack → git upload-pack .
	return []string{strings.TrimPrefix(c.Verb, "git-"), "."}
}

// ParseCommand validates an exec payload of the shape
//
//	git-upload-pack '<owner>/<name>.git'
//
// The quoting git clients produce is undone here; no shell ever sees the
// payload, so nothing beyond the two tokens is tolerated.
func ParseCommand(payload string) (*Command, error) {
	fields, err := splitPayload(payload)
	if err != nil {
		return nil, err
	}
	if len(fields) != 2 {
		return nil, errorutil.New(errorutil.InvalidArgument, "expected a verb and a repository path, got %d tokens", len(fields))
	}
	verb, target := fields[0], fields[1]
	if _, ok := allowedCommands[verb]; !ok {
		return nil, errorutil.New(errorutil.InvalidArgument, "service %q is not available", verb)
	}
	target = strings.TrimPrefix(target, "/")
	if !strings.HasSuffix(target, ".git") {
		return nil, errorutil.New(errorutil.InvalidRepository, "repository path must end in .git")
	}
	target = strings.TrimSuffix(target, ".git")
	parts := strings.Split(target, "/")
	if len(parts) != 2 {
		return nil, errorutil.New(errorutil.InvalidRepository, "repository path must be owner/name.git")
	}
	if err := repopath.ValidateIdentifier(parts[0]); err != nil {
		return nil, err
	}
	if err := repopath.ValidateIdentifier(parts[1]); err != nil {
		return nil, err
	}
	return &Command{Verb: verb, Owner: parts[0], Repo: parts[1]}, nil
}

// splitPayload tokenizes the payload, honoring the single or double
// quotes clients wrap the path in. Quotes never nest and metacharacters
// carry no meaning; a stray quote is an error.
func splitPayload(payload string) ([]string, error) {
	var fields []string
	var current strings.Builder
	var quote byte
	inToken := false
	flush := func() {
		if inToken {
			fields = append(fields, current.String())
			current.Reset()
			inToken = false
		}
	}
	for idx := 0; idx < len(payload); idx++ {
		ch := payload[idx]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				current.WriteByte(ch)
			}
		case ch == '\'' || ch == '"':
			quote = ch
			inToken = true
		case ch == ' ' || ch == '\t':
			flush()
		case ch < 0x20 || ch == 0x7f:
			return nil, errorutil.New(errorutil.InvalidArgument, "control character in command")
		default:
			current.WriteByte(ch)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, errorutil.New(errorutil.InvalidArgument, "unterminated quote in command")
	}
	flush()
	return fields, nil
}
