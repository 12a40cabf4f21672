// Package openai provides a streaming client for an Azure OpenAI
// chat completions deployment, including the "on your data" extension.
package openai

// Chat roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DataSource describes an external document index attached to a
// completion request ("on your data").
type DataSource struct {
	Type       string               `json:"type"`
	Parameters DataSourceParameters `json:"parameters"`
}

// DataSourceParameters carries the azure_search retrieval settings.
type DataSourceParameters struct {
	Endpoint              string         `json:"endpoint"`
	IndexName             string         `json:"index_name"`
	Authentication        Authentication `json:"authentication"`
	SemanticConfiguration string         `json:"semantic_configuration"`
	QueryType             string         `json:"query_type"`
	FieldsMapping         FieldsMapping  `json:"fields_mapping"`
	InScope               bool           `json:"in_scope"`
}

// Authentication selects how the search index is accessed.
type Authentication struct {
	Type string `json:"type"`
	Key  string `json:"key,omitempty"`
}

// FieldsMapping maps index fields to retrieval roles.
type FieldsMapping struct {
	ContentFieldsSeparator string   `json:"content_fields_separator"`
	ContentFields          []string `json:"content_fields"`
	FilepathField          *string  `json:"filepath_field"`
	TitleField             string   `json:"title_field"`
	URLField               *string  `json:"url_field"`
}

// AzureSearchSource builds a DataSource for an API-key authenticated
// cognitive search index.
func AzureSearchSource(endpoint, apiKey, indexName string) DataSource {
	return DataSource{
		Type: "azure_search",
		Parameters: DataSourceParameters{
			Endpoint:  endpoint,
			IndexName: indexName,
			Authentication: Authentication{
				Type: "api_key",
				Key:  apiKey,
			},
			SemanticConfiguration: "",
			QueryType:             "simple",
			FieldsMapping: FieldsMapping{
				ContentFieldsSeparator: "\n",
				ContentFields:          []string{"content"},
				TitleField:             "title",
			},
			InScope: true,
		},
	}
}

// completionRequest is the wire format of a streaming chat request.
type completionRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	DataSources []DataSource  `json:"data_sources,omitempty"`
}

// completionChunk is one streamed response delta.
type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}
