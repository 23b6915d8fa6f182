/*
actor.go - Actors and capability checks

PURPOSE:
  The engine never authenticates. Every operation receives an opaque Actor
  produced by the external auth collaborator and authorizes it with the
  capability checks defined here.

MODEL:
  One capability set per actor, derived from its roles. Hub scoping is a
  separate axis: an actor with an empty HubAccess set is hub-unrestricted
  (managers, executives, admins); otherwise it may only act on the listed
  hubs.

SEE ALSO:
  - request.go: Per-transition capability guards
  - lock.go:    Force-release override capability
*/
package engine

// Role is an opaque role name supplied by the auth collaborator.
type Role string

const (
	RoleWarehouseStaff   Role = "WAREHOUSE_STAFF"
	RoleFieldPersonnel   Role = "FIELD_PERSONNEL"
	RoleInventoryManager Role = "INVENTORY_MANAGER"
	RoleExecutive        Role = "EXECUTIVE"
	RoleAdmin            Role = "ADMIN"
	RoleAuditor          Role = "AUDITOR"
	RoleDistributor      Role = "DISTRIBUTOR"
)

// Capability is a single permission the workflow guards on.
type Capability string

const (
	CapEditRequest    Capability = "edit_request"    // create/edit/submit own-hub Needs Lists
	CapPlanFulfilment Capability = "plan_fulfilment" // save and finalize allocations
	CapApprove        Capability = "approve"         // approve or send back fulfilment plans
	CapDispatch       Capability = "dispatch"        // physically release goods
	CapReceive        Capability = "receive"         // confirm receipt at requesting hub
	CapComplete       Capability = "complete"        // finalize a received request
	CapRecordMovement Capability = "record_movement" // intake/distribution/transfer entries
	CapReviewChanges  Capability = "review_changes"  // resolve change requests
	CapForceRelease   Capability = "force_release"   // break another actor's edit lock
	CapTerminalReject Capability = "terminal_reject" // reject from any non-terminal state
)

var roleCapabilities = map[Role][]Capability{
	RoleWarehouseStaff:   {CapRecordMovement, CapDispatch},
	RoleFieldPersonnel:   {CapRecordMovement},
	RoleInventoryManager: {CapRecordMovement, CapPlanFulfilment, CapReviewChanges},
	RoleExecutive:        {CapApprove, CapReviewChanges, CapTerminalReject},
	RoleAuditor:          {CapComplete},
	RoleDistributor:      {CapEditRequest, CapReceive},
	RoleAdmin: {
		CapEditRequest, CapPlanFulfilment, CapApprove, CapDispatch,
		CapReceive, CapComplete, CapRecordMovement, CapReviewChanges,
		CapForceRelease, CapTerminalReject,
	},
}

// Actor is the opaque identity attached to every operation.
type Actor struct {
	ID        ActorID
	Roles     []Role
	HubAccess []HubID
}

// Can reports whether any of the actor's roles grants c.
func (a Actor) Can(c Capability) bool {
	for _, r := range a.Roles {
		for _, rc := range roleCapabilities[r] {
			if rc == c {
				return true
			}
		}
	}
	return false
}

// HasHub reports whether the actor may act on hub h. An empty HubAccess
// set means hub-unrestricted.
func (a Actor) HasHub(h HubID) bool {
	if len(a.HubAccess) == 0 {
		return true
	}
	for _, id := range a.HubAccess {
		if id == h {
			return true
		}
	}
	return false
}
