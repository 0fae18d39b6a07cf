package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/litrag/internal/index"
)

const maxMCPResults = 50

// NewMCPServer creates an MCP server exposing retrieval, question answering
// and the current index manifest.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"litrag",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("litrag: search and question answering over indexed PubMed Central articles. Answers cite excerpts as [n]."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("retrieve",
			mcp.WithDescription("Return the article excerpts most similar to a query, best first."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("k", mcp.Description("Number of excerpts (default 5)")),
		),
		mcpRetrieve(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question from the indexed articles with numbered citations."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithNumber("k", mcp.Description("Number of excerpts to ground the answer on (default 5)")),
		),
		mcpAsk(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"index://manifest",
			"Index Manifest",
			mcp.WithResourceDescription("Manifest of the published index build as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceManifest(deps),
	)

	return s
}

func (d Deps) mcpK(req mcp.CallToolRequest) int {
	k := req.GetInt("k", d.k(nil))
	if k <= 0 {
		k = d.k(nil)
	}
	if k > maxMCPResults {
		k = maxMCPResults
	}
	return k
}

func mcpRetrieve(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Retriever == nil {
			return mcpError("no index is loaded; run `litrag build`"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		results, err := deps.Retriever.Retrieve(ctx, query, deps.mcpK(req))
		if err != nil {
			return mcpError(fmt.Sprintf("retrieve failed: %v", err)), nil
		}

		b, err := json.Marshal(chunkResults(results))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Answerer == nil {
			return mcpError("no index is loaded; run `litrag build`"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		ans, err := deps.Answerer.Ask(ctx, question, deps.mcpK(req))
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		text := ans.Text
		if len(ans.Sources) > 0 {
			text += "\n\nSources:"
			for _, s := range ans.Sources {
				text += fmt.Sprintf("\n[%d] %s, %s (%s)", s.N, s.DocID, s.Section, s.ChunkID)
			}
		}
		return mcpText(text), nil
	}
}

func mcpResourceManifest(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st := index.Inspect(deps.IndexDir, deps.EmbedModel)
		if st.Manifest == nil {
			if st.Err != nil {
				return nil, fmt.Errorf("reading index: %w", st.Err)
			}
			return nil, fmt.Errorf("index is %s", st.State)
		}

		b, err := json.Marshal(st.Manifest)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal manifest: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
