package aggregator

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/newsagg/kit"
)

// RegisterMCP registers all news tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerListArticles(srv)
	svc.registerListCategories(srv)
	svc.registerListSources(srv)
	svc.registerRefresh(srv)
	svc.registerEnableSource(srv)
}

func (svc *Service) addTool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode kit.DecodeFunc) {
	kit.RegisterMCPTool(srv, tool, endpoint, decode, kit.Logging(svc.logger, tool.Name))
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- Articles ---

func (svc *Service) registerListArticles(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "news_list_articles",
		Description: "List aggregated news articles, newest first, with optional filters",
		InputSchema: inputSchema(map[string]any{
			"page":      map[string]any{"type": "integer", "description": "Page number, from 1"},
			"page_size": map[string]any{"type": "integer", "description": "Articles per page (max 100, default 20)"},
			"cursor":    map[string]any{"type": "string", "description": "next_cursor from a previous page"},
			"source":    map[string]any{"type": "string", "description": "Source name"},
			"sources":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Source names"},
			"category":  map[string]any{"type": "string", "description": "Category tag"},
			"language":  map[string]any{"type": "string", "description": "Language code: no, en, zh, unknown"},
			"date_from": map[string]any{"type": "string", "description": "RFC3339 or YYYY-MM-DD"},
			"date_to":   map[string]any{"type": "string", "description": "RFC3339 or YYYY-MM-DD"},
			"q":         map[string]any{"type": "string", "description": "Substring of title or body"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return svc.ListArticles(ctx, *r.(*ArticleQuery))
	}

	svc.addTool(srv, tool, endpoint, kit.DecodeJSON[ArticleQuery]())
}

func (svc *Service) registerListCategories(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "news_list_categories",
		Description: "List article categories with their article counts",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.Categories(ctx)
	}

	svc.addTool(srv, tool, endpoint, kit.DecodeJSON[struct{}]())
}

// --- Sources ---

func (svc *Service) registerListSources(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "news_list_sources",
		Description: "List configured news sources with health counters and recent fetches",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.Sources(ctx)
	}

	svc.addTool(srv, tool, endpoint, kit.DecodeJSON[struct{}]())
}

func (svc *Service) registerEnableSource(srv *mcp.Server) {
	type req struct {
		Name string `json:"name"`
	}

	tool := &mcp.Tool{
		Name:        "news_enable_source",
		Description: "Re-enable a source that was disabled after consecutive fetch failures",
		InputSchema: inputSchema(map[string]any{
			"name": map[string]any{"type": "string", "description": "Source name"},
		}, []string{"name"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return svc.EnableSource(ctx, r.(*req).Name)
	}

	svc.addTool(srv, tool, endpoint, kit.DecodeJSON[req]())
}

// --- Refresh ---

func (svc *Service) registerRefresh(srv *mcp.Server) {
	type req struct {
		Wait bool `json:"wait"`
	}

	tool := &mcp.Tool{
		Name:        "news_refresh",
		Description: "Request a refresh of all sources. With wait=true the cycle runs before the call returns and its report is the result",
		InputSchema: inputSchema(map[string]any{
			"wait": map[string]any{"type": "boolean", "description": "Run the cycle synchronously"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		if r.(*req).Wait {
			return svc.RefreshNow(ctx)
		}
		return svc.RequestRefresh(), nil
	}

	svc.addTool(srv, tool, endpoint, kit.DecodeJSON[req]())
}
