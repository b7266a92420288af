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

package errors

import (
	"github.com/pingcap/errors"
)

// Normalized errors of the devmoded IPC core. Classification uses
// (*errors.Error).Equal, never string comparison.
var (
	// bus connection lifecycle
	ErrConnectionExists = errors.Normalize(
		"a bus connection is already active in this process",
		errors.RFCCodeText("DMD:ErrConnectionExists"),
	)
	ErrConnectionLost = errors.Normalize(
		"bus connection lost",
		errors.RFCCodeText("DMD:ErrConnectionLost"),
	)
	ErrConnectFailed = errors.Normalize(
		"connecting to the %s bus failed",
		errors.RFCCodeText("DMD:ErrConnectFailed"),
	)
	ErrNameNotPrimary = errors.Normalize(
		"could not acquire primary ownership of bus name %s",
		errors.RFCCodeText("DMD:ErrNameNotPrimary"),
	)
	ErrServiceClosed = errors.Normalize(
		"service is shutting down",
		errors.RFCCodeText("DMD:ErrServiceClosed"),
	)

	// handler registry
	ErrBadRegistration = errors.Normalize(
		"invalid handler registration: %s",
		errors.RFCCodeText("DMD:ErrBadRegistration"),
	)
	ErrMatchRuleSyntax = errors.Normalize(
		"malformed match rule clause %q",
		errors.RFCCodeText("DMD:ErrMatchRuleSyntax"),
	)
	ErrUnknownObject = errors.Normalize(
		"no object at path %s",
		errors.RFCCodeText("DMD:ErrUnknownObject"),
	)

	// outbound calls
	ErrCallSendFailed = errors.Normalize(
		"sending method call %s.%s failed",
		errors.RFCCodeText("DMD:ErrCallSendFailed"),
	)

	// configuration store
	ErrConfigUnknownKey = errors.Normalize(
		"no such configuration key %q",
		errors.RFCCodeText("DMD:ErrConfigUnknownKey"),
	)
	ErrConfigTypeMismatch = errors.Normalize(
		"configuration key %q holds %s, not %s",
		errors.RFCCodeText("DMD:ErrConfigTypeMismatch"),
	)
	ErrConfigDecode = errors.Normalize(
		"unsupported configuration value of type %T",
		errors.RFCCodeText("DMD:ErrConfigDecode"),
	)
	ErrConfigPersist = errors.Normalize(
		"loading or saving the configuration file failed",
		errors.RFCCodeText("DMD:ErrConfigPersist"),
	)

	// wakelocks
	ErrWakelockBackend = errors.Normalize(
		"wakelock backend failure on %q",
		errors.RFCCodeText("DMD:ErrWakelockBackend"),
	)
)

// WrapError wraps a raw error into a normalized one, prefixing the
// message with err's text. The cause of the result is the normalized
// error, so rfcError.Equal classifies it. Returns nil if err is nil.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Annotate(rfcError.GenWithStackByArgs(args...), err.Error())
}
