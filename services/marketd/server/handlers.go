package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	nativecommon "sharemarket/native/common"
	"sharemarket/native/exchange"
	"sharemarket/native/funds"
	"sharemarket/native/oracle"
	"sharemarket/native/orderbook"
	"sharemarket/native/settings"
	"sharemarket/native/swap"
	"sharemarket/native/vault"
	"sharemarket/services/marketd/storage"
)

type listingView struct {
	ID             uint64 `json:"id"`
	ReleaseID      uint64 `json:"releaseId"`
	Seller         string `json:"seller"`
	PricePerItem   string `json:"pricePerItem"`
	Quantity       uint64 `json:"quantity"`
	PayoutCurrency string `json:"payoutCurrency"`
	FundsReceiver  string `json:"fundsReceiver,omitempty"`
	SlippageBps    uint32 `json:"slippageBps"`
	CreatedAt      int64  `json:"createdAt"`
	ModifiedAt     int64  `json:"modifiedAt"`
}

func newListingView(l orderbook.Listing) listingView {
	v := listingView{
		ID:             l.ID,
		ReleaseID:      l.ReleaseID,
		Seller:         l.Seller.Hex(),
		PricePerItem:   bigString(l.PricePerItem),
		Quantity:       l.Quantity,
		PayoutCurrency: l.PayoutCurrency.Hex(),
		SlippageBps:    l.SlippageBps,
		CreatedAt:      l.CreatedAt,
		ModifiedAt:     l.ModifiedAt,
	}
	if l.FundsReceiver != (common.Address{}) {
		v.FundsReceiver = l.FundsReceiver.Hex()
	}
	return v
}

type saleView struct {
	Active         bool     `json:"active"`
	Whitelist      bool     `json:"whitelist"`
	StartTime      int64    `json:"startTime"`
	EndTime        int64    `json:"endTime"`
	WhitelistUntil int64    `json:"whitelistUntil"`
	MaxBuy         uint64   `json:"maxBuy"`
	Currency       string   `json:"currency"`
	Listings       []uint64 `json:"listings"`
}

type releaseView struct {
	ID             uint64    `json:"id"`
	Active         bool      `json:"active"`
	Cancelling     bool      `json:"cancelling"`
	Currency       string    `json:"currency"`
	ListedQuantity uint64    `json:"listedQuantity"`
	Listings       int       `json:"listings"`
	InitialSale    *saleView `json:"initialSale,omitempty"`
}

type intentView struct {
	ID                 string `json:"id"`
	Beneficiary        string `json:"beneficiary"`
	ValueUSD           uint64 `json:"valueUsd"`
	SettledUSD         uint64 `json:"settledUsd"`
	Status             string `json:"status"`
	DebitedToken       string `json:"debitedToken,omitempty"`
	DebitedTokenAmount string `json:"debitedTokenAmount,omitempty"`
	ExpiresAt          int64  `json:"expiresAt"`
	CreatedAt          int64  `json:"createdAt"`
	UpdatedAt          int64  `json:"updatedAt"`
}

func newIntentView(in vault.Intent) intentView {
	v := intentView{
		ID:          in.ID.Hex(),
		Beneficiary: in.Beneficiary.Hex(),
		ValueUSD:    in.ValueUSD,
		SettledUSD:  in.SettledUSD,
		Status:      in.Status.String(),
		ExpiresAt:   in.ExpiresAt,
		CreatedAt:   in.CreatedAt,
		UpdatedAt:   in.UpdatedAt,
	}
	if in.DebitedToken != (common.Address{}) {
		v.DebitedToken = in.DebitedToken.Hex()
		v.DebitedTokenAmount = bigString(in.DebitedTokenAmount)
	}
	return v
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, chi.URLParam(r, "id"), "release id")
	if !ok {
		return
	}
	var (
		view  releaseView
		found bool
	)
	s.market.Host.View(func() {
		var rel exchange.Release
		rel, found = s.market.Exchange.Release(id)
		if !found {
			return
		}
		view = releaseView{
			ID:             rel.ID,
			Active:         rel.Active,
			Cancelling:     rel.Cancelling,
			Currency:       s.market.Exchange.ActiveCurrency(id).Hex(),
			ListedQuantity: s.market.Book.ListedQuantity(id),
			Listings:       s.market.Book.ListingCount(id),
		}
		if sale, ok := s.market.Exchange.InitialSale(id); ok {
			view.InitialSale = &saleView{
				Active:         sale.Active,
				Whitelist:      sale.Whitelist,
				StartTime:      sale.StartTime,
				EndTime:        sale.EndTime,
				WhitelistUntil: sale.WhitelistUntil,
				MaxBuy:         sale.MaxBuy,
				Currency:       sale.Currency.Hex(),
				Listings:       sale.Listings,
			}
		}
	})
	if !found {
		writeError(w, http.StatusNotFound, "release not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleReleaseListings(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, chi.URLParam(r, "id"), "release id")
	if !ok {
		return
	}
	var out []listingView
	s.market.Host.View(func() {
		for _, l := range s.market.Book.GetOrderedListings(id) {
			out = append(out, newListingView(l))
		}
	})
	if out == nil {
		out = []listingView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"releaseId": id, "listings": out})
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, chi.URLParam(r, "id"), "listing id")
	if !ok {
		return
	}
	var (
		l     orderbook.Listing
		found bool
	)
	s.market.Host.View(func() { l, found = s.market.Book.Listing(id) })
	if !found {
		writeError(w, http.StatusNotFound, "listing not found")
		return
	}
	writeJSON(w, http.StatusOK, newListingView(l))
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, chi.URLParam(r, "id"), "release id")
	if !ok {
		return
	}
	q := r.URL.Query()
	amount, ok := uintParam(w, q.Get("amount"), "amount")
	if !ok {
		return
	}
	buyer, ok := addressParam(w, q.Get("buyer"), "buyer", false)
	if !ok {
		return
	}
	source, ok := addressParam(w, q.Get("source"), "source", false)
	if !ok {
		return
	}
	var (
		est swap.Estimate
		err error
	)
	s.market.Host.View(func() {
		if source == (common.Address{}) {
			est.Cost, est.Currency, err = s.market.Exchange.PreviewPurchaseCost(id, buyer, amount)
			est.HasValidRoute = err == nil
			est.SourceAmount = est.Cost
			return
		}
		est, err = s.market.Aggregator.EstimatePurchase(id, buyer, amount, source)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"releaseId":     id,
		"amount":        amount,
		"currency":      est.Currency.Hex(),
		"cost":          bigString(est.Cost),
		"hasValidRoute": est.HasValidRoute,
		"sourceAmount":  bigString(est.SourceAmount),
		"adapter":       est.Adapter,
	})
}

func (s *Server) handleCanBuy(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, chi.URLParam(r, "id"), "release id")
	if !ok {
		return
	}
	buyer, ok := addressParam(w, r.URL.Query().Get("buyer"), "buyer", true)
	if !ok {
		return
	}
	var (
		allowed   bool
		maxAmount uint64
	)
	s.market.Host.View(func() { allowed, maxAmount = s.market.Exchange.CanBuy(id, buyer) })
	writeJSON(w, http.StatusOK, map[string]any{"releaseId": id, "buyer": buyer.Hex(), "canBuy": allowed, "maxAmount": maxAmount})
}

func (s *Server) handleFunds(w http.ResponseWriter, r *http.Request) {
	release, ok := uintParam(w, chi.URLParam(r, "release"), "release id")
	if !ok {
		return
	}
	participant, ok := addressParam(w, chi.URLParam(r, "participant"), "participant", true)
	if !ok {
		return
	}
	var (
		total   funds.Amount
		pending []funds.Fund
	)
	s.market.Host.View(func() { total, pending = s.market.Funds.PendingFunds(release, participant) })
	entries := make([]map[string]any, 0, len(pending))
	for _, f := range pending {
		entries = append(entries, map[string]any{
			"buyer":          f.Buyer.Hex(),
			"amount":         bigString(f.Amount),
			"currency":       f.Currency.Hex(),
			"payoutCurrency": f.PayoutCurrency.Hex(),
			"createdAt":      f.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"releaseId":   release,
		"participant": participant.Hex(),
		"total":       bigString(total.Value),
		"currency":    total.Currency.Hex(),
		"funds":       entries,
	})
}

func (s *Server) handleSwapPreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tokenIn, ok := addressParam(w, q.Get("tokenIn"), "tokenIn", true)
	if !ok {
		return
	}
	tokenOut, ok := addressParam(w, q.Get("tokenOut"), "tokenOut", true)
	if !ok {
		return
	}
	var (
		preview swap.Preview
		err     error
	)
	switch {
	case q.Get("amountIn") != "":
		amount, ok := amountParam(w, q.Get("amountIn"), "amountIn")
		if !ok {
			return
		}
		s.market.Host.View(func() { preview, err = s.market.Aggregator.PreviewSwapOut(tokenIn, tokenOut, amount) })
	case q.Get("amountOut") != "":
		amount, ok := amountParam(w, q.Get("amountOut"), "amountOut")
		if !ok {
			return
		}
		s.market.Host.View(func() { preview, err = s.market.Aggregator.PreviewSwapIn(tokenIn, tokenOut, amount) })
	default:
		writeError(w, http.StatusBadRequest, "amountIn or amountOut required")
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hasValidRoute": preview.HasValidRoute,
		"adapter":       preview.Adapter,
		"amountIn":      bigString(preview.AmountIn),
		"amountOut":     bigString(preview.AmountOut),
	})
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	id := intentID(chi.URLParam(r, "id"))
	var (
		in    vault.Intent
		found bool
	)
	s.market.Host.View(func() { in, found = s.market.Vault.Intent(id) })
	if !found {
		writeError(w, http.StatusNotFound, "intent not found")
		return
	}
	writeJSON(w, http.StatusOK, newIntentView(in))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "event journal disabled")
		return
	}
	q := r.URL.Query()
	filter := storage.Filter{Type: q.Get("type")}
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			writeError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
		filter.After = after
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	records, err := s.journal.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query events")
		return
	}
	if records == nil {
		records = []storage.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

type createIntentRequest struct {
	Reference   string `json:"reference"`
	Beneficiary string `json:"beneficiary"`
	ValueUSD    uint64 `json:"valueUsd"`
	ExpiresAt   int64  `json:"expiresAt"`
	TTLSeconds  int64  `json:"ttlSeconds"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		writeError(w, http.StatusBadRequest, "reference required")
		return
	}
	beneficiary, ok := addressParam(w, req.Beneficiary, "beneficiary", true)
	if !ok {
		return
	}
	id := intentID(req.Reference)
	expires := req.ExpiresAt
	if expires == 0 && req.TTLSeconds > 0 {
		expires = s.market.Host.Now() + req.TTLSeconds
	}
	if err := s.market.Vault.CreateIntent(r.Context(), principal.Subject, id, beneficiary, req.ValueUSD, expires); err != nil {
		writeEngineError(w, err)
		return
	}
	var in vault.Intent
	s.market.Host.View(func() { in, _ = s.market.Vault.Intent(id) })
	writeJSON(w, http.StatusCreated, newIntentView(in))
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id := intentID(chi.URLParam(r, "id"))
	if err := s.market.Vault.CancelIntent(r.Context(), principal.Subject, id); err != nil {
		writeEngineError(w, err)
		return
	}
	var in vault.Intent
	s.market.Host.View(func() { in, _ = s.market.Vault.Intent(id) })
	writeJSON(w, http.StatusOK, newIntentView(in))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	if err := s.market.Exchange.Pause(r.Context(), principal.Subject); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	if err := s.market.Exchange.Unpause(r.Context(), principal.Subject); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type priceUpdate struct {
	FeedID      string `json:"feedId"`
	Price       string `json:"price"`
	Decimals    uint8  `json:"decimals"`
	PublishTime int64  `json:"publishTime"`
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Updates []priceUpdate `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Updates) == 0 {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	for i, u := range req.Updates {
		raw := strings.TrimSpace(u.FeedID)
		if !strings.HasPrefix(raw, "0x") || len(raw) > 66 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("updates[%d]: invalid feedId", i))
			return
		}
		price, ok := new(big.Int).SetString(strings.TrimSpace(u.Price), 10)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("updates[%d]: invalid price", i))
			return
		}
		publish := u.PublishTime
		if publish == 0 {
			publish = s.market.Host.Now()
		}
		if err := s.market.Oracle.Update(r.Context(), common.HexToHash(raw), price, u.Decimals, publish); err != nil {
			writeEngineError(w, fmt.Errorf("updates[%d]: %w", i, err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(req.Updates)})
}

// writeEngineError maps marketplace errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, settings.ErrUnauthorized), errors.Is(err, funds.ErrUnauthorized), errors.Is(err, vault.ErrNotBeneficiary):
		status = http.StatusForbidden
	case errors.Is(err, vault.ErrIntentNotFound), errors.Is(err, orderbook.ErrListingNotFound),
		errors.Is(err, exchange.ErrReleaseNotFound), errors.Is(err, funds.ErrFundNotFound):
		status = http.StatusNotFound
	case errors.Is(err, vault.ErrIntentExists), errors.Is(err, vault.ErrInvalidStatus),
		errors.Is(err, nativecommon.ErrModulePaused), errors.Is(err, exchange.ErrReleaseState):
		status = http.StatusConflict
	case errors.Is(err, oracle.ErrStalePrice), errors.Is(err, swap.ErrNoValidRoute):
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, err.Error())
}

// intentID accepts either a 32-byte hex id or the off-chain payment reference
// it is derived from.
func intentID(raw string) common.Hash {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "0x") && len(trimmed) == 66 {
		return common.HexToHash(trimmed)
	}
	return vault.IntentID(trimmed)
}

func uintParam(w http.ResponseWriter, raw, name string) (uint64, bool) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

func amountParam(w http.ResponseWriter, raw, name string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return nil, false
	}
	return v, true
}

func addressParam(w http.ResponseWriter, raw, name string, required bool) (common.Address, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" && !required {
		return common.Address{}, true
	}
	if !common.IsHexAddress(trimmed) {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return common.Address{}, false
	}
	return common.HexToAddress(trimmed), true
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
