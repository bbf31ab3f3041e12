package main

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sehlabs.com/stm/internal/register"
	"sehlabs.com/stm/internal/stm"
)

// accountSet lazily creates named demonstration accounts, each opened with the same starting
// balance the first time its name is requested.
type accountSet struct {
	openingBalance int64

	mu       sync.Mutex
	accounts map[string]*register.Account
}

func newAccountSet(openingBalance int64) *accountSet {
	return &accountSet{openingBalance: openingBalance, accounts: make(map[string]*register.Account)}
}

func (s *accountSet) get(name string) *register.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[name]
	if !ok {
		a = register.OpenAccount(name, s.openingBalance)
		s.accounts[name] = a
	}
	return a
}

func respondWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, register.ErrInsufficientFunds) {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type amountRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

type transferRequest struct {
	From   string `json:"from" binding:"required"`
	To     string `json:"to" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
	Fee    int64  `json:"fee"`
}

func makeHandler(rt *stm.Runtime, ledger *register.Ledger, accounts *accountSet, registerer *prometheus.Registry, logger *zap.Logger) http.Handler {
	engine := newGinEngine()
	engine.Use(gin.Recovery())

	engine.GET("/accounts/:name/balance", func(c *gin.Context) {
		a := accounts.get(c.Param("name"))
		balance, err := a.Balance(nil)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "balance": balance})
	})

	engine.POST("/accounts/:name/deposit", func(c *gin.Context) {
		var req amountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a := accounts.get(c.Param("name"))
		err := rt.RunTransaction(c.Request.Context(), func(tx *stm.Context) error {
			return a.Deposit(tx, req.Amount)
		})
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	engine.POST("/accounts/:name/withdraw", func(c *gin.Context) {
		var req amountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a := accounts.get(c.Param("name"))
		err := rt.RunTransaction(c.Request.Context(), func(tx *stm.Context) error {
			return a.Withdraw(tx, req.Amount)
		})
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	engine.POST("/transfer", func(c *gin.Context) {
		var req transferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		src, dst := accounts.get(req.From), accounts.get(req.To)
		if err := register.Transfer(c.Request.Context(), rt, ledger, src, dst, req.Amount, req.Fee); err != nil {
			respondWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	engine.GET("/ledger", func(c *gin.Context) {
		total, err := ledger.Total(nil)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"fees_collected": total})
	})

	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registerer, promhttp.HandlerOpts{})))

	return engine
}
