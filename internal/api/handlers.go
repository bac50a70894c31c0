package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mboflow/models"
)

type bboResponse struct {
	Symbol    string             `json:"symbol"`
	Timestamp string             `json:"timestamp"`
	BestBid   *models.PriceLevel `json:"best_bid"`
	BestOffer *models.PriceLevel `json:"best_offer"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready() {
		abortError(c, http.StatusServiceUnavailable, "not_ready", "store or feed source not ready")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func queryUint(c *gin.Context, name string, bits int) (uint64, bool) {
	raw := c.Query(name)
	if raw == "" {
		abortError(c, http.StatusBadRequest, "bad_request", "missing query parameter "+name)
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, bits)
	if err != nil {
		abortError(c, http.StatusBadRequest, "bad_request", "invalid "+name+": "+raw)
		return 0, false
	}
	return n, true
}

func queryDepth(c *gin.Context) (int, bool) {
	raw := c.Query("depth")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		abortError(c, http.StatusBadRequest, "bad_request", "invalid depth: "+raw)
		return 0, false
	}
	return n, true
}

func (s *Server) handleBbo(c *gin.Context) {
	instrument, ok := queryUint(c, "instrument", 32)
	if !ok {
		return
	}
	bbo, ok := s.market.Bbo(uint32(instrument))
	if !ok {
		abortError(c, http.StatusNotFound, "unknown_instrument", "no books for instrument "+strconv.FormatUint(instrument, 10))
		return
	}
	c.JSON(http.StatusOK, bboResponse{
		Symbol:    bbo.Symbol,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BestBid:   bbo.Bid,
		BestOffer: bbo.Ask,
	})
}

func (s *Server) handleExport(c *gin.Context) {
	depth, ok := queryDepth(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		"instruments": s.market.Export(depth),
	})
}

func (s *Server) handleBook(c *gin.Context) {
	instrument, ok := queryUint(c, "instrument", 32)
	if !ok {
		return
	}
	publisher, ok := queryUint(c, "publisher", 16)
	if !ok {
		return
	}
	depth, ok := queryDepth(c)
	if !ok {
		return
	}
	book, ok := s.market.BookSnapshot(uint32(instrument), uint16(publisher), depth)
	if !ok {
		abortError(c, http.StatusNotFound, "unknown_book", "no book for that instrument and publisher")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instrument_id": instrument,
		"book":          book,
	})
}
