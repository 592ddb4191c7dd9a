// Package server exposes the restyling chat assistant over HTTP. Every
// conversation turn is stored in a Merkle DAG alongside the session's live
// style state.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quietloudlab/designmewithme/pkg/assistant"
	"github.com/quietloudlab/designmewithme/pkg/llm"
	"github.com/quietloudlab/designmewithme/pkg/merkle"
	"github.com/quietloudlab/designmewithme/pkg/policy"
	"github.com/quietloudlab/designmewithme/pkg/style"
	"github.com/quietloudlab/designmewithme/pkg/turn"
)

const (
	// SessionHeader carries the session id. It takes precedence over the
	// cookie.
	SessionHeader = "X-Session-ID"
	SessionCookie = "session_id"
)

// Server serves the chat widget API.
type Server struct {
	config     Config
	controller *turn.Controller
	threads    *assistant.Threads
	storer     merkle.Storer
	logger     *zap.Logger
	server     *fiber.App
}

// New creates a Server with the generator named by config.Provider.
func New(config Config, logger *zap.Logger) (*Server, error) {
	var gen assistant.Generator
	switch config.Provider {
	case ProviderGemini:
		g, err := assistant.NewGeminiGenerator(context.Background(), config.APIKey, config.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini generator: %w", err)
		}
		gen = g
	case ProviderOllama:
		var options *llm.Options
		if config.Temperature != nil {
			options = &llm.Options{Temperature: config.Temperature}
		}
		gen = assistant.NewOllamaGenerator(config.UpstreamURL, config.Model, options, logger)
	default:
		return nil, fmt.Errorf("unknown provider %q", config.Provider)
	}
	return NewWithGenerator(config, gen, logger)
}

// NewWithGenerator creates a Server that produces replies with gen.
func NewWithGenerator(config Config, gen assistant.Generator, logger *zap.Logger) (*Server, error) {
	pol := policy.Default()
	if config.PolicyPath != "" {
		p, err := policy.Load(config.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy: %w", err)
		}
		pol = p
		logger.Info("using policy file", zap.String("path", config.PolicyPath))
	}
	if err := checkBaseline(pol, config.Baseline); err != nil {
		return nil, fmt.Errorf("invalid baseline: %w", err)
	}

	var storer merkle.Storer
	var err error

	if config.DBPath != "" {
		storer, err = merkle.NewSQLiteStorer(config.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite storer: %w", err)
		}
		logger.Info("using SQLite storage", zap.String("path", config.DBPath))
	} else {
		storer = merkle.NewMemoryStorer()
		logger.Info("using in-memory storage")
	}

	// Generation outlives the turn's wait so a slow reply can still be
	// delivered with the next turn.
	threads := assistant.NewThreads(gen, storer, assistant.Config{
		Instructions: assistant.Instructions(pol),
		RunTimeout:   2 * config.RunTimeout.Duration,
	}, logger)

	controller := turn.New(threads, pol, turn.NewRegistry(config.Baseline), turn.Config{
		RunTimeout:      config.RunTimeout.Duration,
		PollInterval:    config.PollInterval.Duration,
		MaxPollInterval: config.MaxPollInterval.Duration,
	}, logger)

	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
	})

	s := &Server{
		config:     config,
		controller: controller,
		threads:    threads,
		storer:     storer,
		logger:     logger,
		server:     app,
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(map[string]string{"status": "ok"})
	})

	app.Get("/get_introduction", s.handleIntroduction)
	app.Post("/send_message", s.handleSendMessage)
	app.Post("/reset", s.handleReset)
	app.Get("/style.css", s.handleStyle)
	app.Get("/history", s.handleHistory)

	// DAG inspection
	app.Get("/dag/stats", s.handleDAGStats)
	app.Get("/dag/node/:hash", s.handleGetNode)
	app.Post("/dag/nodes", s.handleIngestNodes)

	return s, nil
}

// Run starts the server on the configured listening address.
func (s *Server) Run() error {
	s.logger.Info("starting server",
		zap.String("listen", s.config.ListenAddr),
		zap.String("provider", s.config.Provider),
		zap.String("model", s.config.Model),
	)

	return s.server.Listen(s.config.ListenAddr)
}

// RunWithListener serves on an existing listener.
func (s *Server) RunWithListener(ln net.Listener) error {
	s.logger.Info("starting server", zap.String("listen", ln.Addr().String()))
	return s.server.Listener(ln)
}

// Shutdown stops accepting requests and waits for in-flight runs.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return s.threads.Wait(ctx)
}

// Close releases the storage.
func (s *Server) Close() error {
	return s.storer.Close()
}

// Janitor expires idle sessions every SweepInterval until ctx is done.
func (s *Server) Janitor(ctx context.Context) error {
	ticker := time.NewTicker(s.config.SweepInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.controller.Sweep(ctx, s.config.SessionTTL.Duration)
		}
	}
}

// sessionID returns the caller's session, minting one when absent. The id is
// echoed back in both the header and the cookie.
//
// Header and cookie values alias the request buffer, which fasthttp reuses,
// so the id is copied before it is kept as a registry key.
func (s *Server) sessionID(c *fiber.Ctx) string {
	id := c.Get(SessionHeader)
	if id == "" {
		id = c.Cookies(SessionCookie)
	}
	id = utils.CopyString(id)
	if id == "" {
		id = uuid.NewString()
		s.logger.Debug("minted session", zap.String("session_id", id))
	}

	c.Set(SessionHeader, id)
	c.Cookie(&fiber.Cookie{
		Name:     SessionCookie,
		Value:    id,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return id
}

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`

	// Feedback is safe to show to the end user.
	Feedback string `json:"feedback,omitempty"`
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var cerr *turn.CollaboratorError
	switch {
	case errors.Is(err, turn.ErrEmptyMessage):
		status = fiber.StatusBadRequest
	case errors.Is(err, turn.ErrSessionBusy), errors.Is(err, assistant.ErrRunActive):
		status = fiber.StatusConflict
	case errors.Is(err, turn.ErrRunTimeout):
		status = fiber.StatusGatewayTimeout
	case errors.As(err, &cerr):
		status = fiber.StatusBadGateway
	}

	if status >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(status).JSON(ErrorResponse{Error: err.Error(), Feedback: turn.Feedback(err)})
}

func (s *Server) handleIntroduction(c *fiber.Ctx) error {
	return c.JSON(map[string]string{"introduction": s.controller.Introduction()})
}

// SendMessageRequest is the body of POST /send_message.
type SendMessageRequest struct {
	Message string `json:"message"`
}

// SendMessageResponse is the body of a completed turn.
type SendMessageResponse struct {
	SessionID string `json:"session_id"`

	// Responses holds the prose of each new assistant turn.
	Responses []string `json:"responses"`

	// Changes reports what was applied or refused per selector.
	Changes []*style.Report `json:"changes"`

	// Ops replays the applied changes on the client document.
	Ops []style.Op `json:"ops"`

	Feedback []string `json:"feedback,omitempty"`
}

func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	sessionID := s.sessionID(c)
	result, err := s.controller.Submit(c.Context(), sessionID, req.Message)
	if err != nil {
		return s.fail(c, err)
	}

	resp := SendMessageResponse{
		SessionID: sessionID,
		Responses: nonNil(result.Prose),
		Changes:   nonNil(result.Reports),
		Ops:       nonNil(result.Ops),
	}
	seen := make(map[string]bool)
	for _, err := range result.Errors {
		msg := turn.Feedback(err)
		if !seen[msg] {
			seen[msg] = true
			resp.Feedback = append(resp.Feedback, msg)
		}
	}

	return c.JSON(resp)
}

// ResetRequest is the body of POST /reset.
type ResetRequest struct {
	FreshConversation bool `json:"fresh_conversation"`
}

func (s *Server) handleReset(c *fiber.Ctx) error {
	var req ResetRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
		}
	}

	sessionID := s.sessionID(c)
	ops, err := s.controller.Reset(c.Context(), sessionID, req.FreshConversation)
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(map[string]any{
		"session_id": sessionID,
		"ops":        nonNil(ops),
	})
}

// handleStyle serves the session's current stylesheet, or the baseline for
// unknown sessions.
func (s *Server) handleStyle(c *fiber.Ctx) error {
	var css string
	if sess, ok := s.controller.Session(s.sessionID(c)); ok {
		css = sess.Style().CSS()
	} else {
		css = style.NewState(s.config.Baseline).CSS()
	}

	c.Set(fiber.HeaderContentType, "text/css; charset=utf-8")
	return c.SendString(css)
}

// HistoryResponse is the session's conversation, oldest turn first.
type HistoryResponse struct {
	SessionID string                 `json:"session_id"`
	ThreadID  string                 `json:"thread_id,omitempty"`
	Turns     []llm.ConversationTurn `json:"turns"`
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	resp := HistoryResponse{
		SessionID: s.sessionID(c),
		Turns:     []llm.ConversationTurn{},
	}

	sess, ok := s.controller.Session(resp.SessionID)
	if !ok || sess.ThreadID() == "" {
		return c.JSON(resp)
	}
	resp.ThreadID = sess.ThreadID()

	turns, err := s.threads.History(c.Context(), resp.ThreadID)
	if err != nil {
		if errors.Is(err, assistant.ErrUnknownThread) {
			return c.JSON(resp)
		}
		s.logger.Error("failed to load history", zap.String("thread_id", resp.ThreadID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to load history"})
	}
	resp.Turns = turns

	return c.JSON(resp)
}

// handleDAGStats returns statistics about the DAG.
func (s *Server) handleDAGStats(c *fiber.Ctx) error {
	ctx := c.Context()

	nodes, err := s.storer.List(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to list nodes"})
	}

	roots, err := s.storer.Roots(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to get roots"})
	}

	leaves, err := s.storer.Leaves(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to get leaves"})
	}

	stats := map[string]any{
		"total_nodes": len(nodes),
		"root_count":  len(roots),
		"leaf_count":  len(leaves),
	}

	return c.JSON(stats)
}

// handleGetNode returns a single node by its hash.
func (s *Server) handleGetNode(c *fiber.Ctx) error {
	hash := c.Params("hash")
	if hash == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "hash parameter required"})
	}

	node, err := s.storer.Get(c.Context(), hash)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "node not found"})
	}

	return c.JSON(node)
}

// IngestResponse counts the outcome of POST /dag/nodes.
type IngestResponse struct {
	New       int `json:"new"`
	Duplicate int `json:"duplicate"`
	Errors    int `json:"errors"`
}

// handleIngestNodes stores nodes pushed from another instance. Nodes whose
// hash does not match their content are counted as errors and skipped.
func (s *Server) handleIngestNodes(c *fiber.Ctx) error {
	var nodes []*merkle.Node
	if err := c.BodyParser(&nodes); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	ctx := c.Context()
	var resp IngestResponse
	for _, node := range nodes {
		if node == nil || !node.Verify() {
			resp.Errors++
			continue
		}

		exists, err := s.storer.Has(ctx, node.Hash)
		if err != nil {
			s.logger.Warn("failed to check node", zap.String("hash", node.Hash), zap.Error(err))
			resp.Errors++
			continue
		}
		if exists {
			resp.Duplicate++
			continue
		}

		if err := s.storer.Put(ctx, node); err != nil {
			s.logger.Warn("failed to store node", zap.String("hash", node.Hash), zap.Error(err))
			resp.Errors++
			continue
		}
		resp.New++
	}

	s.logger.Info("ingested nodes",
		zap.Int("new", resp.New),
		zap.Int("duplicate", resp.Duplicate),
		zap.Int("errors", resp.Errors),
	)
	return c.JSON(resp)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
