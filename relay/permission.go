// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

// permissionRank orders permissions by authority.
var permissionRank = map[Permission]int{
	PermissionViewOnly:    0,
	PermissionInteract:    1,
	PermissionFullControl: 2,
}

// actionMinimum is the closed policy table: the weakest permission
// that may issue each action. A forced STOP is the one case that
// escalates past the table.
var actionMinimum = map[Action]Permission{
	ActionInput:  PermissionInteract,
	ActionPause:  PermissionInteract,
	ActionResume: PermissionInteract,
	ActionStop:   PermissionInteract,
}

// ActionAllowed reports whether a member with the given permission may
// issue the action. Unknown actions are never allowed.
func ActionAllowed(action Action, force bool, permission Permission) bool {
	if action == ActionStop && force {
		return permission == PermissionFullControl
	}
	minimum, known := actionMinimum[action]
	if !known {
		return false
	}
	return permissionRank[permission] >= permissionRank[minimum]
}
