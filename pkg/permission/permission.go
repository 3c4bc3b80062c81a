// Package permission gates tool execution. An Engine evaluates a static
// policy (auto-approved set, session rules, blacklist, whitelist, default),
// falling back to a pluggable interaction channel when the policy says ask.
package permission

import (
	"time"
)

// Outcome of a gating decision.
type Outcome string

const (
	Allowed Outcome = "ALLOWED"
	Denied  Outcome = "DENIED"
)

// Method records which policy layer produced the decision.
type Method string

const (
	MethodWhitelist    Method = "WHITELIST"
	MethodBlacklist    Method = "BLACKLIST"
	MethodSessionRule  Method = "SESSION_RULE"
	MethodUserOnce     Method = "USER_ONCE"
	MethodUserAlways   Method = "USER_ALWAYS"
	MethodUserNever    Method = "USER_NEVER"
	MethodAutoApproved Method = "AUTO_APPROVED"
	MethodDefault      Method = "DEFAULT"
)

// Scope of a user answer.
type Scope string

const (
	ScopeOnce    Scope = "ONCE"
	ScopeSession Scope = "SESSION"
)

// Decision is the full gating outcome attached to tool results.
type Decision struct {
	Decision   Outcome `json:"decision"`
	Reason     string  `json:"reason,omitempty"`
	Method     Method  `json:"method"`
	Scope      Scope   `json:"scope,omitempty"`
	ToolName   string  `json:"tool_name"`
	ArgsDigest string  `json:"args_digest"`
}

// Allowed reports whether the decision permits execution.
func (d Decision) IsAllowed() bool {
	return d.Decision == Allowed
}

// Action is a channel answer.
type Action string

const (
	ActionYes    Action = "yes"
	ActionNo     Action = "no"
	ActionAlways Action = "always"
	ActionNever  Action = "never"
	ActionOnce   Action = "once"
)

// Default policies.
const (
	DefaultAllow = "allow"
	DefaultDeny  = "deny"
	DefaultAsk   = "ask"
)

// Rule matches a tool, optionally narrowed by a regular expression over the
// canonical JSON of the call's arguments.
type Rule struct {
	Tool        string `yaml:"tool" json:"tool" mapstructure:"tool"`
	ArgsPattern string `yaml:"args_pattern,omitempty" json:"args_pattern,omitempty" mapstructure:"args_pattern"`
}

// Policy is the static configuration for an engine.
type Policy struct {
	Default   string        `yaml:"default" json:"default"` // allow | deny | ask
	Whitelist []Rule        `yaml:"whitelist,omitempty" json:"whitelist,omitempty"`
	Blacklist []Rule        `yaml:"blacklist,omitempty" json:"blacklist,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// DefaultTimeout bounds how long an ask may sit unanswered.
const DefaultTimeout = 5 * time.Minute
