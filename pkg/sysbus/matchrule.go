// Copyright 2026 Solivar Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package sysbus

import (
	"fmt"
	"strconv"
	"strings"

	cerror "github.com/solivar/devmoded/pkg/errors"
)

// ruleKey identifies what a clause constrains.
type ruleKey int

const (
	ruleArg ruleKey = iota
	rulePath
)

type ruleClause struct {
	key   ruleKey
	argN  int
	value string
}

// ExtraRule is the parsed form of a handler registration's extra match
// clauses: `argN='value'` constraints on positional string arguments
// and `path='value'` on the object path.
type ExtraRule struct {
	raw     string
	clauses []ruleClause
}

// ParseExtraRule parses zero or more comma-separated key=value clauses.
// Values may be single-quoted, preserving commas; unquoted values run
// to the next comma. An empty input yields a rule that matches every
// message.
func ParseExtraRule(s string) (*ExtraRule, error) {
	rule := &ExtraRule{raw: strings.TrimSpace(s)}
	rest := rule.raw
	for rest != "" {
		var clause string
		var err error
		clause, rest, err = nextClause(rest)
		if err != nil {
			return nil, err
		}
		if clause == "" {
			continue
		}
		parsed, err := parseClause(clause)
		if err != nil {
			return nil, err
		}
		rule.clauses = append(rule.clauses, parsed)
	}
	return rule, nil
}

// nextClause splits off the first clause, honoring single quotes.
func nextClause(s string) (clause, rest string, err error) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:]), nil
			}
		}
	}
	if inQuote {
		return "", "", cerror.ErrMatchRuleSyntax.GenWithStackByArgs(s)
	}
	return strings.TrimSpace(s), "", nil
}

func parseClause(clause string) (ruleClause, error) {
	eq := strings.IndexByte(clause, '=')
	if eq <= 0 {
		return ruleClause{}, cerror.ErrMatchRuleSyntax.GenWithStackByArgs(clause)
	}
	key := strings.TrimSpace(clause[:eq])
	value := strings.TrimSpace(clause[eq+1:])
	if strings.HasPrefix(value, "'") {
		if len(value) < 2 || !strings.HasSuffix(value, "'") {
			return ruleClause{}, cerror.ErrMatchRuleSyntax.GenWithStackByArgs(clause)
		}
		value = value[1 : len(value)-1]
	}

	if key == "path" {
		return ruleClause{key: rulePath, value: value}, nil
	}
	if strings.HasPrefix(key, "arg") {
		n, err := strconv.Atoi(key[3:])
		if err != nil || n < 0 {
			return ruleClause{}, cerror.ErrMatchRuleSyntax.GenWithStackByArgs(clause)
		}
		return ruleClause{key: ruleArg, argN: n, value: value}, nil
	}
	return ruleClause{}, cerror.ErrMatchRuleSyntax.GenWithStackByArgs(clause)
}

// Raw returns the original rule text, for embedding into a bus match
// string.
func (r *ExtraRule) Raw() string {
	if r == nil {
		return ""
	}
	return r.raw
}

// Empty reports whether the rule constrains anything.
func (r *ExtraRule) Empty() bool {
	return r == nil || len(r.clauses) == 0
}

// Matches evaluates the rule against msg. An argN clause requires the
// Nth body argument to be a string equal to the clause value; a path
// clause requires the object path to equal the value.
func (r *ExtraRule) Matches(msg *Message) bool {
	if r == nil {
		return true
	}
	for _, c := range r.clauses {
		switch c.key {
		case ruleArg:
			s, ok := msg.StringArg(c.argN)
			if !ok || s != c.value {
				return false
			}
		case rulePath:
			if msg.Path != c.value {
				return false
			}
		}
	}
	return true
}

// synthesizeMatch builds the bus-side match string for a signal
// handler entry.
func synthesizeMatch(sender, iface, member string, extra *ExtraRule) string {
	var b strings.Builder
	b.WriteString("type='signal'")
	if sender != "" {
		fmt.Fprintf(&b, ", sender='%s'", sender)
	}
	if iface != "" {
		fmt.Fprintf(&b, ", interface='%s'", iface)
	}
	if member != "" {
		fmt.Fprintf(&b, ", member='%s'", member)
	}
	if !extra.Empty() {
		b.WriteString(", ")
		b.WriteString(extra.Raw())
	}
	return b.String()
}

// nameOwnerMatch is the match string delivering NameOwnerChanged for
// one tracked name.
func nameOwnerMatch(name string) string {
	return fmt.Sprintf(
		"type='signal', sender='%s', interface='%s', member='%s', path='%s', arg0='%s'",
		busDaemonName, busDaemonInterface, nameOwnerChangedMember, busDaemonPath, name)
}
