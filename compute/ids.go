package compute // import "github.com/whisthq/whist/backend/workspaces/compute"

import (
	"regexp"

	"github.com/google/uuid"
	"github.com/whisthq/whist/backend/workspaces/types"
)

// WorkspaceIDPrefix starts every generated workspace id.
const WorkspaceIDPrefix = "ws-"

var workspaceIDRegex = regexp.MustCompile(`^ws-[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// NewWorkspaceID returns a fresh random workspace id.
func NewWorkspaceID() types.WorkspaceID {
	return types.WorkspaceID(WorkspaceIDPrefix + uuid.NewString())
}

// IsGeneratedWorkspaceID reports whether id has the generated format.
func IsGeneratedWorkspaceID(id types.WorkspaceID) bool {
	return workspaceIDRegex.MatchString(string(id))
}

// ResolveWorkspaceID returns id, or a new one if id is empty.
func ResolveWorkspaceID(id types.WorkspaceID) types.WorkspaceID {
	if id == "" {
		return NewWorkspaceID()
	}
	return id
}
