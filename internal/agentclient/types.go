package agentclient

import "encoding/json"

// ApplyConfigPath is the agent endpoint that materializes an app config
const ApplyConfigPath = "/api/v1/config/apply"

// ApplyConfigRequest asks an agent to write an application's config file
type ApplyConfigRequest struct {
	DeploymentHash  string `json:"deployment_hash"`
	AppName         string `json:"app_name"`
	Content         string `json:"content"`
	ContentType     string `json:"content_type"`
	DestinationPath string `json:"destination_path"`
	FileMode        string `json:"file_mode"`
	Owner           string `json:"owner,omitempty"`
	Group           string `json:"group,omitempty"`
}

// Response is a raw agent reply
type Response struct {
	StatusCode int
	Body       json.RawMessage
}
