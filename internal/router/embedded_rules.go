// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file bakes rules.yaml into the compiled binary via go:embed, the same
// way enforcement/embedded_policy.go bakes in its classification patterns:
// the routing rules are immutable at runtime and travel with the executable
// rather than living as an editable file on the host.
package router

import (
	_ "embed"
)

//go:embed rules.yaml
var embeddedRuleFile []byte
