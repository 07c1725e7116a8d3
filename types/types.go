// Package types contains the identifier types shared by every workspace
// package. We define this package separately so that we can safely pass these
// types around to packages that `compute` and `router` themselves depend on.
package types // import "github.com/whisthq/whist/backend/workspaces/types"

// We define special types for the following string types for all the benefits
// of type safety, including making sure we never switch a workspace ID and a
// pod ID, for instance.

type (
	// A WorkspaceID uniquely identifies a workspace across every backend.
	WorkspaceID string

	// UserID is the id assigned to a user by the authentication provider.
	UserID string

	// SessionID identifies the development session a workspace backs.
	SessionID string

	// PodID identifies a user-owned local pod. It is taken from the pod's
	// connection token, never from anything the pod sends afterwards.
	PodID string

	// TemplateID names the workspace template a config was built from.
	TemplateID string

	// TerminalID identifies a tmux-backed terminal session inside a workspace.
	TerminalID string

	// Tier is a named resource class. See the catalog package.
	Tier string

	// Endpoint names the cloud compute backend a workspace was assigned to.
	Endpoint string
)

// The cloud endpoints a workspace can be assigned to.
const (
	EndpointServerless   Endpoint = "serverless"
	EndpointInstancePool Endpoint = "instance-pool"
	EndpointLocalPod     Endpoint = "local-pod"
)

// String returns the WorkspaceID as a plain string.
func (id WorkspaceID) String() string {
	return string(id)
}

// String returns the PodID as a plain string.
func (id PodID) String() string {
	return string(id)
}
