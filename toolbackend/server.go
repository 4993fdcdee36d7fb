package toolbackend

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-gateway-go/mcp"
)

var _ http.Handler = (*Server)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const maxArgumentsBody = 4 << 20

// Server owns a mutable, threadsafe set of tools and serves them over the
// gateway's backend contract.
type Server struct {
	mu       sync.RWMutex
	tools    []mcp.Tool             // descriptors for listing
	handlers map[string]ToolHandler // name -> handler

	log *slog.Logger
}

// Option configures New.
type Option func(*Server)

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New constructs a Server with the given tools.
func New(tools []Tool, opts ...Option) *Server {
	s := &Server{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	s.Replace(tools...)
	return s
}

// Snapshot returns a copy of the current tool descriptors.
func (s *Server) Snapshot() []mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// Replace atomically replaces the entire tool set. On duplicate names the
// last definition wins.
func (s *Server) Replace(defs ...Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = make([]mcp.Tool, 0, len(defs))
	s.handlers = make(map[string]ToolHandler, len(defs))
	for _, d := range defs {
		name := d.Descriptor.Name
		if _, dup := s.handlers[name]; dup {
			for i := range s.tools {
				if s.tools[i].Name == name {
					s.tools[i] = d.Descriptor
				}
			}
		} else {
			s.tools = append(s.tools, d.Descriptor)
		}
		s.handlers[name] = d.Handler
	}
}

// Add registers a new tool if it doesn't duplicate an existing name.
// Returns true if added.
func (s *Server) Add(def Tool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[def.Descriptor.Name]; exists {
		return false
	}
	s.tools = append(s.tools, def.Descriptor)
	s.handlers[def.Descriptor.Name] = def.Handler
	return true
}

// Remove removes a tool by name. Returns true if removed.
func (s *Server) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[name]; !ok {
		return false
	}
	delete(s.handlers, name)
	n := 0
	for _, t := range s.tools {
		if t.Name != name {
			s.tools[n] = t
			n++
		}
	}
	s.tools = s.tools[:n]
	return true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodGet && name == "":
		writeJSON(w, http.StatusOK, s.Snapshot())
	case r.Method == http.MethodPost && name != "":
		s.call(w, r, name)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) call(w http.ResponseWriter, r *http.Request, name string) {
	start := time.Now()
	ctx := r.Context()

	s.mu.RLock()
	h := s.handlers[name]
	s.mu.RUnlock()
	if h == nil {
		http.Error(w, "tool not found: "+name, http.StatusNotFound)
		return
	}

	if ct, err := contenttype.GetMediaType(r); err == nil && !ct.Matches(jsonMediaType) {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	args, err := io.ReadAll(io.LimitReader(r.Body, maxArgumentsBody))
	if err != nil {
		http.Error(w, "unable to read arguments", http.StatusBadRequest)
		return
	}

	res, err := h(ctx, json.RawMessage(args))
	if err != nil {
		s.log.ErrorContext(ctx, "tool.call.fail", slog.String("tool", name), slog.String("err", err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if res == nil {
		res = &mcp.CallToolResult{}
	}
	if res.Content == nil {
		res.Content = []mcp.ContentBlock{}
	}
	s.log.InfoContext(ctx, "tool.call.ok", slog.String("tool", name), slog.Bool("is_error", res.IsError), slog.Duration("dur", time.Since(start)))
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
