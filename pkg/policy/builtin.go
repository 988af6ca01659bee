package policy

// GetBuiltinPolicies returns all built-in policies. They evaluate the
// engine's policy input: the session under input.session and the action set
// under input.actions.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		deletionProtectionPolicy(),
		actionNamingPolicy(),
		providerRequiredPolicy(),
		rollbackCoveragePolicy(),
	}
}

// deletionProtectionPolicy blocks destructive actions on clusters and
// environments labelled protected=true.
func deletionProtectionPolicy() Policy {
	return Policy{
		Name:        "deletion-protection",
		Description: "Blocks destructive actions when the session is labelled protected",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety"},
		Rego: `package deckhand.policies.protection

destructive := {
	"delete_environment",
	"delete_node_group",
	"delete_addon",
	"delete_cluster",
	"delete_network",
}

deny contains violation if {
	input.session.labels.protected == "true"
	some action in input.actions
	destructive[action.kind]
	violation := {
		"message": sprintf("cluster %s is protected; %s (%s) is not allowed", [input.session.cluster_id, action.id, action.kind]),
		"severity": "error",
		"action": action.id,
	}
}
`,
	}
}

// actionNamingPolicy keeps action IDs usable as label values and file names.
func actionNamingPolicy() Policy {
	return Policy{
		Name:        "action-naming",
		Description: "Enforces action ID conventions (lowercase, alphanumeric, hyphens only, at most 63 characters)",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package deckhand.policies.naming

deny contains violation if {
	some action in input.actions
	not regex.match("^[a-z0-9]([a-z0-9-]*[a-z0-9])?$", action.id)
	violation := {
		"message": sprintf("action ID '%s' must contain only lowercase letters, numbers and hyphens, and must not start or end with a hyphen", [action.id]),
		"severity": "error",
		"action": action.id,
	}
}

deny contains violation if {
	some action in input.actions
	count(action.id) > 63
	violation := {
		"message": sprintf("action ID '%s' exceeds 63 characters", [action.id]),
		"severity": "error",
		"action": action.id,
	}
}
`,
	}
}

// providerRequiredPolicy rejects provisioning without an assigned provider.
func providerRequiredPolicy() Policy {
	return Policy{
		Name:        "provider-required",
		Description: "Provisioning actions require a cluster with an assigned provider",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"operations"},
		Rego: `package deckhand.policies.provider

provisioning := {
	"provision_network",
	"provision_cluster",
	"provision_node_group",
	"deploy_database",
}

deny contains violation if {
	object.get(input.session, "provider", "") == ""
	some action in input.actions
	provisioning[action.kind]
	violation := {
		"message": sprintf("%s needs a cluster with an assigned provider", [action.id]),
		"severity": "error",
		"action": action.id,
	}
}
`,
	}
}

// rollbackCoveragePolicy warns about non-destructive actions that cannot be
// rolled back and would be retained on failure.
func rollbackCoveragePolicy() Policy {
	return Policy{
		Name:        "rollback-coverage",
		Description: "Warns about actions that are retained when the transaction rolls back",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety"},
		Rego: `package deckhand.policies.rollback

deny contains violation if {
	some action in input.actions
	not action.reversible
	not startswith(action.kind, "delete_")
	violation := {
		"message": sprintf("%s cannot be rolled back and is retained if the transaction fails", [action.id]),
		"severity": "warning",
		"action": action.id,
	}
}
`,
	}
}
