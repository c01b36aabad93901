// Package governor gates every mutating action behind a declared policy.
package governor

import (
	"fmt"
	"sort"
)

// ActionKind identifies one governed mutating operation.
type ActionKind string

const (
	AgentCreate  ActionKind = "agent.create"
	AgentEdit    ActionKind = "agent.edit"
	AgentRestart ActionKind = "agent.restart"
	AgentStop    ActionKind = "agent.stop"
	AgentTurn    ActionKind = "agent.turn"

	WorkOrderCreate ActionKind = "work_order.create"
	WorkOrderEdit   ActionKind = "work_order.edit"
	WorkOrderCancel ActionKind = "work_order.cancel"
	WorkOrderShip   ActionKind = "work_order.ship"
	WorkOrderReview ActionKind = "work_order.review"
	WorkOrderResume ActionKind = "work_order.resume"

	OperationComplete            ActionKind = "operation.complete"
	OperationEdit                ActionKind = "operation.edit"
	OperationUnblockSecurityVeto ActionKind = "operation.unblock_security_veto"

	ApprovalCreate  ActionKind = "approval.create"
	ApprovalApprove ActionKind = "approval.approve"
	ApprovalReject  ActionKind = "approval.reject"

	DispatchRun ActionKind = "dispatch.run"

	PluginInstall    ActionKind = "plugin.install"
	PluginUninstall  ActionKind = "plugin.uninstall"
	PluginEnable     ActionKind = "plugin.enable"
	PluginDisable    ActionKind = "plugin.disable"
	PluginEditConfig ActionKind = "plugin.edit_config"

	SkillInstall   ActionKind = "skill.install"
	SkillUninstall ActionKind = "skill.uninstall"
	SkillEnable    ActionKind = "skill.enable"
	SkillDisable   ActionKind = "skill.disable"

	WorkflowImport ActionKind = "workflow.import"
	WorkflowExport ActionKind = "workflow.export"
	WorkflowEdit   ActionKind = "workflow.edit"
	WorkflowDelete ActionKind = "workflow.delete"

	TemplateImport ActionKind = "template.import"
	TemplateDelete ActionKind = "template.delete"

	PackageImport             ActionKind = "package.import"
	PackageDeploy             ActionKind = "package.deploy"
	PackageDeployOverrideScan ActionKind = "package.deploy.override_scan_block"

	GatewayRestart     ActionKind = "gateway.restart"
	ConfigEdit         ActionKind = "config.edit"
	MaintenanceRecover ActionKind = "maintenance.recover"
	SecurityAuditFix   ActionKind = "security.audit_fix"
	APIKeyCreate       ActionKind = "apikey.create"
)

type RiskLevel string

const (
	RiskSafe    RiskLevel = "safe"
	RiskCaution RiskLevel = "caution"
	RiskDanger  RiskLevel = "danger"
)

type ConfirmMode string

const (
	ConfirmNone      ConfirmMode = "NONE"
	ConfirmCONFIRM   ConfirmMode = "CONFIRM"
	ConfirmTypedCode ConfirmMode = "TYPED_CODE"
)

// ConfirmText is the literal required by CONFIRM policies.
const ConfirmText = "CONFIRM"

// OverrideScanBlockText is the secondary confirmation for deploying a package blocked by a security scan.
const OverrideScanBlockText = "OVERRIDE_SCAN_BLOCK"

// ActionPolicy declares how an action kind is gated.
type ActionPolicy struct {
	Kind             ActionKind  `json:"action_kind"`
	RiskLevel        RiskLevel   `json:"risk_level" enum:"safe,caution,danger"`
	ConfirmMode      ConfirmMode `json:"confirm_mode" enum:"NONE,CONFIRM,TYPED_CODE"`
	RequiresApproval bool        `json:"requires_approval"`
	Description      string      `json:"description"`
}

func policy(kind ActionKind, risk RiskLevel, mode ConfirmMode, approval bool, desc string) ActionPolicy {
	return ActionPolicy{Kind: kind, RiskLevel: risk, ConfirmMode: mode, RequiresApproval: approval, Description: desc}
}

var policies = map[ActionKind]ActionPolicy{
	AgentCreate:  policy(AgentCreate, RiskCaution, ConfirmNone, false, "Register a new agent"),
	AgentEdit:    policy(AgentEdit, RiskCaution, ConfirmNone, false, "Edit agent name, WIP limit or capabilities"),
	AgentRestart: policy(AgentRestart, RiskDanger, ConfirmCONFIRM, false, "Restart an agent in the runtime, dropping its in-flight turn"),
	AgentStop:    policy(AgentStop, RiskDanger, ConfirmCONFIRM, false, "Stop an agent in the runtime"),
	AgentTurn:    policy(AgentTurn, RiskSafe, ConfirmNone, false, "Send a message to an agent"),

	WorkOrderCreate: policy(WorkOrderCreate, RiskSafe, ConfirmNone, false, "Create a work order from a workflow"),
	WorkOrderEdit:   policy(WorkOrderEdit, RiskSafe, ConfirmNone, false, "Edit work order title, goal, notes or priority"),
	WorkOrderCancel: policy(WorkOrderCancel, RiskDanger, ConfirmTypedCode, false, "Cancel a work order; type the work order code to confirm"),
	WorkOrderShip:   policy(WorkOrderShip, RiskDanger, ConfirmCONFIRM, true, "Ship a finished work order; requires an approved ship gate"),
	WorkOrderReview: policy(WorkOrderReview, RiskCaution, ConfirmNone, false, "Accept a work order in review or return it for rework"),
	WorkOrderResume: policy(WorkOrderResume, RiskCaution, ConfirmCONFIRM, false, "Resume a blocked work order"),

	OperationComplete:            policy(OperationComplete, RiskSafe, ConfirmNone, false, "Report an operation completion signal"),
	OperationEdit:                policy(OperationEdit, RiskSafe, ConfirmNone, false, "Edit operation notes or blocked reason"),
	OperationUnblockSecurityVeto: policy(OperationUnblockSecurityVeto, RiskDanger, ConfirmCONFIRM, true, "Lift a security veto on an operation; requires an approved security review"),

	ApprovalCreate:  policy(ApprovalCreate, RiskSafe, ConfirmNone, false, "Request an operator decision"),
	ApprovalApprove: policy(ApprovalApprove, RiskCaution, ConfirmNone, false, "Approve a pending approval"),
	ApprovalReject:  policy(ApprovalReject, RiskCaution, ConfirmNone, false, "Reject a pending approval"),

	DispatchRun: policy(DispatchRun, RiskCaution, ConfirmNone, false, "Run a dispatch pass now"),

	PluginInstall:    policy(PluginInstall, RiskDanger, ConfirmCONFIRM, false, "Install a runtime plugin"),
	PluginUninstall:  policy(PluginUninstall, RiskDanger, ConfirmCONFIRM, false, "Uninstall a runtime plugin"),
	PluginEnable:     policy(PluginEnable, RiskCaution, ConfirmNone, false, "Enable a runtime plugin"),
	PluginDisable:    policy(PluginDisable, RiskCaution, ConfirmNone, false, "Disable a runtime plugin"),
	PluginEditConfig: policy(PluginEditConfig, RiskCaution, ConfirmCONFIRM, false, "Edit a runtime plugin configuration"),

	SkillInstall:   policy(SkillInstall, RiskCaution, ConfirmCONFIRM, false, "Install a skill"),
	SkillUninstall: policy(SkillUninstall, RiskCaution, ConfirmCONFIRM, false, "Uninstall a skill"),
	SkillEnable:    policy(SkillEnable, RiskSafe, ConfirmNone, false, "Enable a skill"),
	SkillDisable:   policy(SkillDisable, RiskSafe, ConfirmNone, false, "Disable a skill"),

	WorkflowImport: policy(WorkflowImport, RiskCaution, ConfirmCONFIRM, false, "Import a workflow definition"),
	WorkflowExport: policy(WorkflowExport, RiskSafe, ConfirmNone, false, "Export a workflow definition"),
	WorkflowEdit:   policy(WorkflowEdit, RiskCaution, ConfirmNone, false, "Edit a workflow definition"),
	WorkflowDelete: policy(WorkflowDelete, RiskDanger, ConfirmCONFIRM, false, "Delete a workflow definition"),

	TemplateImport: policy(TemplateImport, RiskCaution, ConfirmCONFIRM, false, "Import an agent template"),
	TemplateDelete: policy(TemplateDelete, RiskDanger, ConfirmCONFIRM, false, "Delete an agent template"),

	PackageImport:             policy(PackageImport, RiskCaution, ConfirmCONFIRM, false, "Import a package"),
	PackageDeploy:             policy(PackageDeploy, RiskDanger, ConfirmCONFIRM, false, "Deploy a package to the runtime"),
	PackageDeployOverrideScan: policy(PackageDeployOverrideScan, RiskDanger, ConfirmCONFIRM, false, "Deploy a package despite a blocking security scan"),

	GatewayRestart:     policy(GatewayRestart, RiskDanger, ConfirmCONFIRM, false, "Restart the runtime gateway"),
	ConfigEdit:         policy(ConfigEdit, RiskDanger, ConfirmCONFIRM, false, "Edit runtime configuration"),
	MaintenanceRecover: policy(MaintenanceRecover, RiskDanger, ConfirmCONFIRM, false, "Run a maintenance recovery action"),
	SecurityAuditFix:   policy(SecurityAuditFix, RiskDanger, ConfirmCONFIRM, false, "Apply fixes from a security audit"),
	APIKeyCreate:       policy(APIKeyCreate, RiskCaution, ConfirmNone, false, "Create an API key"),
}

// GetPolicy returns the policy for kind. Looking up an undeclared kind is a
// programming error and panics.
func GetPolicy(kind ActionKind) ActionPolicy {
	p, ok := policies[kind]
	if !ok {
		panic(fmt.Sprintf("governor: undeclared action kind %q", kind))
	}
	return p
}

// Lookup returns the policy for kind without panicking, for untrusted input.
func Lookup(kind ActionKind) (ActionPolicy, bool) {
	p, ok := policies[kind]
	return p, ok
}

// Kinds returns every declared action kind, sorted.
func Kinds() []ActionKind {
	kinds := make([]ActionKind, 0, len(policies))
	for k := range policies {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Policies returns the full table sorted by kind.
func Policies() []ActionPolicy {
	kinds := Kinds()
	res := make([]ActionPolicy, len(kinds))
	for i, k := range kinds {
		res[i] = policies[k]
	}
	return res
}
