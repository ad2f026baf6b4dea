package tools

// Catalog returns the built-in tool table. Risk placement follows one
// rule: anything that leaves the machine or mutates shared state is at
// least Dangerous, anything that can run arbitrary code is Critical.
func Catalog() []Descriptor {
	return []Descriptor{
		// file
		{Key: "file.read", RiskLevel: Safe, Description: "Read a file within the workspace"},
		{Key: "file.list", RiskLevel: Safe, Description: "List files within the workspace"},
		{Key: "file.search", RiskLevel: Safe, Description: "Search file contents within the workspace"},
		{Key: "file.write", RiskLevel: Moderate, Description: "Create or overwrite a file within the workspace"},
		{Key: "file.delete", RiskLevel: Dangerous, RequiresConfirmation: true, Description: "Delete a file within the workspace"},

		// network
		{Key: "network.web_search", RiskLevel: Moderate, Description: "Run a web search query"},
		{Key: "network.http_request", RiskLevel: Dangerous, Description: "Perform an arbitrary HTTP request"},
		{Key: "network.download_file", RiskLevel: Dangerous, RequiresConfirmation: true, Description: "Download a remote file to disk"},

		// system
		{Key: "system.execute_command", RiskLevel: Critical, RequiresConfirmation: true, Description: "Execute a shell command on the host"},
		{Key: "system.open_application", RiskLevel: Dangerous, RequiresConfirmation: true, Description: "Launch a desktop application"},
		{Key: "system.read_env", RiskLevel: Dangerous, Description: "Read host environment variables"},

		// model
		{Key: "model.generate_text", RiskLevel: Safe, Description: "Generate text with the local model server"},
		{Key: "model.embed_text", RiskLevel: Safe, Description: "Compute embeddings with the local model server"},

		// memory
		{Key: "memory.query", RiskLevel: Safe, Description: "Query the assistant's vector memory"},
		{Key: "memory.store", RiskLevel: Moderate, Description: "Store a document in the assistant's vector memory"},
		{Key: "memory.purge", RiskLevel: Dangerous, RequiresConfirmation: true, Description: "Remove documents from the assistant's vector memory"},

		// clipboard
		{Key: "clipboard.read", RiskLevel: Moderate, Description: "Read the desktop clipboard"},
		{Key: "clipboard.write", RiskLevel: Moderate, Description: "Write to the desktop clipboard"},
	}
}
