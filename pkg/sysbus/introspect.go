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
	"sort"
	"strings"

	cerror "github.com/solivar/devmoded/pkg/errors"
)

const introspectProlog = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

const introspectStandardStanzas = `  <interface name="org.freedesktop.DBus.Introspectable">
    <method name="Introspect">
      <arg direction="out" name="data" type="s"/>
    </method>
  </interface>
  <interface name="org.freedesktop.DBus.Peer">
    <method name="Ping"/>
    <method name="GetMachineId">
      <arg direction="out" name="machine_uuid" type="s"/>
    </method>
  </interface>
`

// Introspect renders the introspection document for path. The object
// tree is fixed: the ancestors of the request and signal paths exist
// as pure containers; the two leaves carry the registry-derived
// interfaces.
func (s *Service) Introspect(path string) (string, error) {
	if path == "" {
		return "", cerror.ErrUnknownObject.GenWithStackByArgs(path)
	}

	var b strings.Builder
	b.WriteString(introspectProlog)
	fmt.Fprintf(&b, "<node name=\"%s\">\n", path)
	b.WriteString(introspectStandardStanzas)

	switch path {
	case s.cfg.RequestPath:
		s.writeInterfaces(&b, s.registry.methodEntries())
	case s.cfg.SignalPath:
		s.writeInterfaces(&b, s.registry.manifestEntries())
	default:
		children := s.childNodes(path)
		if len(children) == 0 {
			return "", cerror.ErrUnknownObject.GenWithStackByArgs(path)
		}
		for _, child := range children {
			fmt.Fprintf(&b, "  <node name=\"%s\"/>\n", child)
		}
	}

	b.WriteString("</node>\n")
	return b.String(), nil
}

// childNodes lists the immediate children of path within the fixed
// namespace tree, or nothing when the path is outside it.
func (s *Service) childNodes(path string) []string {
	leaves := []string{s.cfg.RequestPath, s.cfg.SignalPath}
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	seen := make(map[string]struct{})
	var children []string
	for _, leaf := range leaves {
		if !strings.HasPrefix(leaf, prefix) {
			continue
		}
		segment := strings.SplitN(leaf[len(prefix):], "/", 2)[0]
		if segment == "" {
			continue
		}
		if _, ok := seen[segment]; ok {
			continue
		}
		seen[segment] = struct{}{}
		children = append(children, segment)
	}
	sort.Strings(children)
	return children
}

func (s *Service) writeInterfaces(b *strings.Builder, entries []*handlerEntry) {
	byIface := make(map[string][]*handlerEntry)
	var order []string
	for _, entry := range entries {
		iface := entry.spec.Interface
		if iface == introspectableInterface || iface == peerInterface {
			continue
		}
		if _, ok := byIface[iface]; !ok {
			order = append(order, iface)
		}
		byIface[iface] = append(byIface[iface], entry)
	}
	sort.Strings(order)

	for _, iface := range order {
		fmt.Fprintf(b, "  <interface name=\"%s\">\n", iface)
		for _, entry := range byIface[iface] {
			element := "method"
			if entry.spec.Type == TypeSignal {
				element = "signal"
			}
			if entry.spec.Args == "" {
				fmt.Fprintf(b, "    <%s name=\"%s\"/>\n", element, entry.spec.Member)
			} else {
				fmt.Fprintf(b, "    <%s name=\"%s\">\n", element, entry.spec.Member)
				writeArgs(b, entry.spec.Args)
				fmt.Fprintf(b, "    </%s>\n", element)
			}
		}
		b.WriteString("  </interface>\n")
	}
}

// writeArgs re-indents an argument XML fragment under the member
// element.
func writeArgs(b *strings.Builder, args string) {
	for _, line := range strings.Split(strings.TrimSpace(args), "\n") {
		b.WriteString("      ")
		b.WriteString(strings.TrimSpace(line))
		b.WriteString("\n")
	}
}

// methodEntries returns the live method-call entries in registration
// order.
func (r *Registry) methodEntries() []*handlerEntry {
	var out []*handlerEntry
	for _, entry := range r.entries {
		if entry != nil && entry.spec.Type == TypeMethodCall {
			out = append(out, entry)
		}
	}
	return out
}

// manifestEntries returns the callback-less signal entries: the
// signals this daemon publishes.
func (r *Registry) manifestEntries() []*handlerEntry {
	var out []*handlerEntry
	for _, entry := range r.entries {
		if entry != nil && entry.spec.Type == TypeSignal && entry.spec.Callback == nil {
			out = append(out, entry)
		}
	}
	return out
}
