package broker

// PermissionDecision is a human answer to a tool permission request.
type PermissionDecision struct {
	Allow bool `json:"allow"`
	// Message explains a denial to the agent.
	Message string `json:"message,omitempty"`
	// UpdatedInput optionally replaces the tool input on allow.
	UpdatedInput map[string]interface{} `json:"updated_input,omitempty"`
	// UpdatedPermissions are rule suggestions the client accepted.
	UpdatedPermissions []PermissionUpdate `json:"updated_permissions,omitempty"`
}

// PermissionUpdate is one suggested permission rule change.
type PermissionUpdate struct {
	Type        string           `json:"type"`
	Behavior    string           `json:"behavior,omitempty"`
	Mode        string           `json:"mode,omitempty"`
	Destination string           `json:"destination,omitempty"`
	Rules       []PermissionRule `json:"rules,omitempty"`
	Directories []string         `json:"directories,omitempty"`
}

// PermissionRule is a single tool permission rule.
type PermissionRule struct {
	ToolName    string `json:"tool_name"`
	RuleContent string `json:"rule_content,omitempty"`
}

// InputDecision is a human answer to an input request. Answers are merged
// into the original tool input by the consumer that built the request.
type InputDecision struct {
	Answers map[string]string `json:"answers"`
}

// PermissionBroker parks tool permission requests.
type PermissionBroker = Broker[PermissionDecision]

// InputBroker parks free-form input requests.
type InputBroker = Broker[InputDecision]
