package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol, such as request IDs. It handles automatic conversion during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message exchanged between a host and a provider.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a provider or host instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities represents the capability groups a provider advertises during initialization.
type ServerCapabilities struct {
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct{}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct{}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct{}

// Tool defines a callable tool with its input schema.
// InputSchema defines the expected format of arguments for CallTool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult represents the list of tools a provider exposes.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs
	// Must satisfy required arguments defined in tool's InputSchema field
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation. IsError reports that the
// tool itself failed, in which case Content describes the failure.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Prompt defines a template for generating prompts with optional arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument defines a single argument that can be passed to a prompt.
// Required indicates whether the argument must be provided when using the prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ListPromptsResult represents the list of prompts a provider exposes.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

// GetPromptParams contains parameters for retrieving a specific prompt.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult represents the result of a prompt request.
type GetPromptResult struct {
	Messages    []PromptMessage `json:"messages"`
	Description string          `json:"description,omitempty"`
}

// PromptMessage represents a message in a prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Role represents the role in a conversation (user or assistant).
type Role string

// Resource represents a content resource exposed by a provider.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesResult represents the list of resources a provider exposes.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// ReadResourceParams contains parameters for retrieving a specific resource.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult represents the result of a read resource request.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ResourceContents represents either text or blob resource contents.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Content represents a message content with its type.
type Content struct {
	Type ContentType `json:"type"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// For ContentTypeResource
	Resource *ResourceContents `json:"resource,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// CapabilityKind classifies an entry of a provider's capability list.
type CapabilityKind string

// CapabilityDescriptor describes one capability of one provider. It is uniquely identified
// by ProviderID and Name within a Kind; the same name may appear on several providers.
type CapabilityDescriptor struct {
	Kind        CapabilityKind `json:"kind"`
	ProviderID  string         `json:"providerId"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
}

// Endpoint is the address of a provider as reported by a ServiceLocator. ProviderID is
// opaque to the host; Network and Address are passed to the Binder as-is.
type Endpoint struct {
	ProviderID string `json:"providerId"`
	Network    string `json:"network"`
	Address    string `json:"address"`
}

// ServiceDescriptor is the cached result of probing one provider. It is built once per
// discovery cycle and never mutated afterwards.
type ServiceDescriptor struct {
	ProviderID   string                 `json:"providerId"`
	Endpoint     Endpoint               `json:"endpoint"`
	ServerInfo   Info                   `json:"serverInfo"`
	Capabilities []CapabilityDescriptor `json:"capabilities"`
}

// ProviderEventType is the kind of availability change reported by a ProviderWatcher.
type ProviderEventType string

// ProviderEvent reports that a provider appeared, disappeared or changed.
type ProviderEvent struct {
	Type       ProviderEventType `json:"type"`
	ProviderID string            `json:"providerId"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      Info   `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Role represents the role in a conversation (user or assistant).
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType represents the type of content in messages.
const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeResource ContentType = "resource"
)

// CapabilityKind values.
const (
	CapabilityTool     CapabilityKind = "tool"
	CapabilityPrompt   CapabilityKind = "prompt"
	CapabilityResource CapabilityKind = "resource"
)

// ProviderEventType values.
const (
	ProviderAdded   ProviderEventType = "added"
	ProviderRemoved ProviderEventType = "removed"
	ProviderUpdated ProviderEventType = "updated"
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProviderContract is the contract tag a provider advertises so locators can find it.
	ProviderContract = "mcp.provider/jsonrpc"

	// MethodPromptsList is the method name for retrieving a list of available prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet is the method name for retrieving a specific prompt by identifier.
	MethodPromptsGet = "prompts/get"

	// MethodResourcesList is the method name for listing available resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading the content of a specific resource.
	MethodResourcesRead = "resources/read"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	protocolVersion = "2024-11-05"

	methodPing       = "ping"
	methodInitialize = "initialize"

	errMsgMissingRequestID  = "missing request id"
	errMsgDuplicateRequest  = "duplicate request id"
	errMsgRequestTimeout    = "request timeout"
	errMsgTransportClosed   = "transport closed"
	errMsgPermissionDenied  = "permission denied"
	errMsgInvalidJSON       = "invalid json"
	errMsgUnsupportedMethod = "method not found"

	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603

	jsonRPCTimeoutCode          = -32001
	jsonRPCPermissionDeniedCode = -32003
	jsonRPCInvalidStateCode     = -32004
)

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
//
// Numbers keep their exact text, except that integral values such as 42.0 are written as
// integers. Distinct numeric ids therefore never map to the same string.
func (m *MustString) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch v := v.(type) {
	case nil:
		*m = ""
	case string:
		*m = MustString(v)
	case json.Number:
		*m = MustString(numberID(v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

func numberID(n json.Number) string {
	if _, err := n.Int64(); err == nil {
		return n.String()
	}
	f, err := n.Float64()
	if err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return fmt.Sprintf("%d", int64(f))
	}
	return n.String()
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

// IsNotification reports whether the message carries a method but no id.
func (m JSONRPCMessage) IsNotification() bool {
	return m.ID == "" && m.Method != ""
}

// IsResponse reports whether the message is a response to an earlier request.
func (m JSONRPCMessage) IsResponse() bool {
	return m.Method == ""
}

func errorPayload(id MustString, code int, message string) []byte {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
	// Marshalling a message built from plain strings and ints cannot fail.
	bs, _ := json.Marshal(msg)
	return bs
}
