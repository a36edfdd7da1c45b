// Copyright 2023 UMH Systems GmbH
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

package registry

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// First character letter, digit or underscore, then letters, digits, underscores, spaces and ' - : ( )
	tagNameRegex = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_ '\-:()]*$`)
	// Same as above, with periods in place of underscores
	tagNameWithPeriodsRegex = regexp.MustCompile(`^[A-Za-z0-9.][A-Za-z0-9. '\-:()]*$`)
)

// ValidateTagName checks a raw remote tag name against the allowed pattern of the active naming mode.
func ValidateTagName(name string, namesContainPeriods bool) error {
	if namesContainPeriods {
		if !tagNameWithPeriodsRegex.MatchString(name) {
			return fmt.Errorf("invalid tag name %q: tag names may only contain letters, digits, periods, spaces and ' - : ( ) and must start with a letter, digit or period", name)
		}
		return nil
	}
	if !tagNameRegex.MatchString(name) {
		return fmt.Errorf("invalid tag name %q: tag names may only contain letters, digits, underscores, spaces and ' - : ( ) and must start with a letter, digit or underscore", name)
	}
	return nil
}

// Sanitize maps a remote name into the local namespace, where periods are not allowed.
func Sanitize(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

// Unsanitize is the inverse of Sanitize for names that never contained underscores.
func Unsanitize(name string) string {
	return strings.ReplaceAll(name, "_", ".")
}

// TagPath is the live store path of a remote tag.
func TagPath(device string, tag string) string {
	return Sanitize(device) + "/" + Sanitize(tag)
}
