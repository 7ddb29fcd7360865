package server

import (
	"math/big"
	"net/http"

	"github.com/compusophy/GroupWallet/internal/swap"
)

// handleQuote proxies an aggregator quote for the UI. The taker is always
// the vault; the caller picks only the pair and the sell amount.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sellToken := query.Get("sellToken")
	buyToken := query.Get("buyToken")
	if sellToken == "" || buyToken == "" {
		writeError(w, http.StatusBadRequest, "sellToken and buyToken are required")
		return
	}
	sellAmount, ok := new(big.Int).SetString(query.Get("sellAmount"), 10)
	if !ok || sellAmount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "sellAmount must be a positive integer")
		return
	}

	quote, err := s.quoter.GetQuote(r.Context(), swap.Request{
		SellToken:  sellToken,
		BuyToken:   buyToken,
		SellAmount: sellAmount,
		Taker:      s.cfg.VaultAddress,
	})
	if err != nil {
		s.logger.Error("quote proxy failed", "error", err)
		writeError(w, http.StatusBadGateway, "quote unavailable")
		return
	}
	writeJSON(w, http.StatusOK, quote)
}
