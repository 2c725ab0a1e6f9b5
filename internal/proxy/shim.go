package proxy

import (
	"context"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/internal/backendclient"
	"github.com/ditto-gateway/gateway/internal/translate"
)

// responsesShim replays a failed native /v1/responses call as a
// /v1/chat/completions call against the same backend and re-encodes the
// chat result back into the Responses dialect. Providers that never
// implemented /v1/responses become transparently usable.
//
// Billing settles once, against this replay's observed usage; the failed
// native attempt produced no usage to bill.
func (g *Gateway) responsesShim(ctx context.Context, a *admission, client *backendclient.Client) (*buffered, bool) {
	return g.responsesShimWithBody(ctx, a, client, a.body)
}

// responsesShimWithBody is the shim over an explicit request body, used
// by the MCP loop's intermediate steps.
func (g *Gateway) responsesShimWithBody(ctx context.Context, a *admission, client *backendclient.Client, requestBody []byte) (*buffered, bool) {
	req, err := translate.ParseResponsesRequest(requestBody)
	if err != nil {
		return nil, false
	}
	reportedModel := req.Model
	req.Model = client.MapModel(req.Model)
	req.Stream = false

	chatBody, err := translate.EncodeChatRequest(req)
	if err != nil {
		return nil, false
	}

	header := g.upstreamHeader(a)
	header.Set("Content-Type", "application/json")

	resp, err := client.Do(ctx, http.MethodPost, "/v1/chat/completions", header, chatBody)
	if err != nil {
		g.logger.Debug("responses shim transport failure", zap.String("backend", client.Name()), zap.Error(err))
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 || !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return nil, false
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}

	chatResp, err := translate.DecodeChatResponse(raw)
	if err != nil {
		return nil, false
	}

	g.logger.Debug("responses shim engaged", zap.String("backend", client.Name()))
	return &buffered{
		status:  http.StatusOK,
		header:  http.Header{"Content-Type": {"application/json"}},
		body:    translate.EncodeResponsesResponse(chatResp, reportedModel),
		backend: client.Name(),
	}, true
}
