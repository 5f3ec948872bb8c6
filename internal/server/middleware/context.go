package middleware

import (
	"context"

	"github.com/OFFIS-RIT/chatkg/internal/config"
	"github.com/OFFIS-RIT/chatkg/internal/queue"
	"github.com/OFFIS-RIT/chatkg/pkg/chat"
	"github.com/OFFIS-RIT/chatkg/pkg/common"
	"github.com/OFFIS-RIT/chatkg/pkg/retrieve"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type AppUser struct {
	Subject     string
	Role        string
	Permissions []string
}

// Retriever is the read side of the graph. *retrieve.Engine satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, seeds []string, depth int) (*common.Subgraph, error)
	Stats(ctx context.Context) (retrieve.Stats, error)
}

// Chatter answers questions. *chat.Pipeline satisfies it.
type Chatter interface {
	Chat(ctx context.Context, prompt string, history []chat.Turn) (chat.Update, error)
	Stream(ctx context.Context, prompt string, history []chat.Turn) (<-chan chat.Update, error)
}

// App holds the collaborators shared by all requests. Chat, Queue and Key
// are optional.
type App struct {
	Retriever Retriever
	Chat      Chatter
	Queue     queue.Publisher
	// Key verifies bearer JWTs, usually backed by a JWKS endpoint.
	Key    jwt.Keyfunc
	Config config.Serve
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
