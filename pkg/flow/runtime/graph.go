package runtime

import "fmt"

// NodeType discriminates the tagged union of workflow node kinds.
type NodeType string

const (
	NodeTypeStart        NodeType = "start"
	NodeTypeChangeStatus NodeType = "change_status"
	NodeTypeSendEmail    NodeType = "send_email"
	NodeTypeConditional  NodeType = "conditional"
	NodeTypeWebRequest   NodeType = "web_request"
	NodeTypeScript       NodeType = "script"
	NodeTypeNewTicket    NodeType = "new_ticket"
	NodeTypeSignature    NodeType = "signature"
	NodeTypeSwapWorkflow NodeType = "swap_workflow"
	NodeTypeInteraction  NodeType = "interaction"
)

// EdgeName names an outgoing edge of a node. Every node has at most one
// default edge; conditionals additionally route through the alternative edge
// when their conjunction evaluates to false.
type EdgeName string

const (
	EdgeDefault     EdgeName = "default-source"
	EdgeAlternative EdgeName = "alternative-source"
)

// StartNodeID is the logical id of the designated entry node of every graph.
const StartNodeID = "start"

// Graph is the frozen snapshot of a designer-authored workflow graph,
// embedded into a run when it starts. The engine never mutates it.
type Graph struct {
	Key         int64  `json:"key"`
	WorkflowKey int64  `json:"workflowKey"`
	Name        string `json:"name"`
	Version     int32  `json:"version"`
	Nodes       []Node `json:"nodes"`
}

func (g *Graph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Start returns the designated entry node.
func (g *Graph) Start() *Node {
	return g.NodeByID(StartNodeID)
}

// Node is one typed step of a workflow graph. Exactly one config pointer,
// matching Type, is non-nil; executor dispatch switches exhaustively on Type.
type Node struct {
	ID      string              `json:"id"`
	Type    NodeType            `json:"type"`
	Name    string              `json:"name"`
	Visible bool                `json:"visible,omitempty"`
	Next    map[EdgeName]string `json:"next,omitempty"`

	ChangeStatus *ChangeStatusConfig `json:"changeStatus,omitempty"`
	SendEmail    *SendEmailConfig    `json:"sendEmail,omitempty"`
	Conditional  *ConditionalConfig  `json:"conditional,omitempty"`
	WebRequest   *WebRequestConfig   `json:"webRequest,omitempty"`
	Script       *ScriptConfig       `json:"script,omitempty"`
	NewTicket    *NewTicketConfig    `json:"newTicket,omitempty"`
	Signature    *SignatureConfig    `json:"signature,omitempty"`
	SwapWorkflow *SwapWorkflowConfig `json:"swapWorkflow,omitempty"`
	Interaction  *InteractionConfig  `json:"interaction,omitempty"`
}

// NextID resolves the outgoing edge with the given name; empty string means
// the node is terminal along that edge.
func (n *Node) NextID(edge EdgeName) string {
	if n.Next == nil {
		return ""
	}
	return n.Next[edge]
}

type ChangeStatusConfig struct {
	StatusKey int64 `json:"statusKey"`
}

type SendEmailConfig struct {
	TemplateKey int64    `json:"templateKey"`
	Sender      string   `json:"sender,omitempty"`
	To          []string `json:"to"`
}

// Operator is the closed comparison set the workflow designer exposes.
type Operator string

const (
	OperatorEq        Operator = "eq"
	OperatorNe        Operator = "ne"
	OperatorGt        Operator = "gt"
	OperatorLt        Operator = "lt"
	OperatorGte       Operator = "gte"
	OperatorLte       Operator = "lte"
	OperatorIn        Operator = "in"
	OperatorNotIn     Operator = "notIn"
	OperatorIsNull    Operator = "isNull"
	OperatorIsNotNull Operator = "isNotNull"
)

type ConditionClause struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

type ConditionalConfig struct {
	// FormKey selects the answer source: the originating form's draft when it
	// matches the activity's form, otherwise the interaction created from
	// that form.
	FormKey int64             `json:"formKey"`
	Clauses []ConditionClause `json:"clauses"`
}

type HTTPHeader struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FieldMapping copies a dotted-path value out of a response payload into a
// form field identified by Field.
type FieldMapping struct {
	Field string `json:"field"`
	Path  string `json:"path"`
}

type WebRequestConfig struct {
	URL     string       `json:"url"`
	Method  string       `json:"method"`
	Body    string       `json:"body,omitempty"`
	Headers []HTTPHeader `json:"headers,omitempty"`
	// Async leaves the step idle after the request; an external callback
	// supplies the outcome and resumes the run.
	Async         bool           `json:"async,omitempty"`
	FieldPopulate []FieldMapping `json:"fieldPopulate,omitempty"`
}

type ScriptConfig struct {
	Source string `json:"source"`
}

type NewTicketConfig struct {
	FormKey int64 `json:"formKey"`
	// Fields are smart-value templates keyed by target field id.
	Fields map[string]string `json:"fields,omitempty"`
}

type SignerConfig struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

type SignatureConfig struct {
	DocumentKey string            `json:"documentKey"`
	Signers     []SignerConfig    `json:"signers"`
	Fields      map[string]string `json:"fields,omitempty"`
}

type SwapWorkflowConfig struct {
	WorkflowKey int64 `json:"workflowKey"`
}

// WaitType selects the quorum rule of an interaction node.
type WaitType string

const (
	WaitTypeAll    WaitType = "all"
	WaitTypeAny    WaitType = "any"
	WaitTypeCustom WaitType = "custom"
)

type InteractionConfig struct {
	FormKey int64 `json:"formKey"`
	// To lists recipients: user keys, institute keys (expanded to members)
	// or the "requesters" placeholder for the activity's requesters.
	To        []string `json:"to"`
	WaitType  WaitType `json:"waitType,omitempty"`
	WaitValue int      `json:"waitValue,omitempty"`
	// WaitForOne predates WaitType and behaves like WaitTypeAny.
	WaitForOne            bool     `json:"waitForOne,omitempty"`
	CanAddParticipants    bool     `json:"canAddParticipants,omitempty"`
	PermittedParticipants []string `json:"permittedParticipants,omitempty"`
	// Clauses optionally gate the continuation: evaluated over the collected
	// answers, routing through the alternative edge when false.
	Clauses  []ConditionClause `json:"clauses,omitempty"`
	SLAValue int               `json:"slaValue,omitempty"`
	SLAUnit  string            `json:"slaUnit,omitempty"`
}

// Validate checks that the config pointer matching the node type is present.
func (n *Node) Validate() error {
	var ok bool
	switch n.Type {
	case NodeTypeStart:
		ok = true
	case NodeTypeChangeStatus:
		ok = n.ChangeStatus != nil
	case NodeTypeSendEmail:
		ok = n.SendEmail != nil
	case NodeTypeConditional:
		ok = n.Conditional != nil
	case NodeTypeWebRequest:
		ok = n.WebRequest != nil
	case NodeTypeScript:
		ok = n.Script != nil
	case NodeTypeNewTicket:
		ok = n.NewTicket != nil
	case NodeTypeSignature:
		ok = n.Signature != nil
	case NodeTypeSwapWorkflow:
		ok = n.SwapWorkflow != nil
	case NodeTypeInteraction:
		ok = n.Interaction != nil
	default:
		return fmt.Errorf("unknown node type %q on node %s", n.Type, n.ID)
	}
	if !ok {
		return fmt.Errorf("node %s is typed %s but carries no %s config", n.ID, n.Type, n.Type)
	}
	return nil
}
