// Package middleware holds the gin middleware chain shared by every HTTP
// route of the gateway.
package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Chain collects middleware before the engine is built.
type Chain struct {
	mu   sync.Mutex
	mids []gin.HandlerFunc
}

// Default: access log, then recovery.
func Default(log *zap.Logger) *Chain {
	return NewChain(AccessLog(log), Recover(log))
}

func NewChain(mids ...gin.HandlerFunc) *Chain {
	return &Chain{mids: mids}
}

func (m *Chain) Add(h gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = append(m.mids, h)
}

func (m *Chain) Handlers() []gin.HandlerFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gin.HandlerFunc{}, m.mids...)
}

// Apply mounts the chain on r.
func (m *Chain) Apply(r gin.IRoutes) {
	r.Use(m.Handlers()...)
}
