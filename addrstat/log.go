// Copyright (c) 2025 The Schnibble developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrstat

import "github.com/decred/slog"

// log is the package-level logger used by this package. It defaults to
// the disabled backend so importers who never call UseLogger see no
// output.
var log = slog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger slog.Logger) {
	log = logger
}
