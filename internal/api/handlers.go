// Package api wires up the Gin HTTP router with all handler functions.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"distributed-msglog/internal/consensus"
	"distributed-msglog/internal/message"
	"distributed-msglog/internal/node"
)

// Handler holds the single dependency every route needs: the node
// orchestrator. Unlike the teacher's Handler, there is no separate
// store/replicator/membership trio to inject — Node already owns all of
// them, which is the point of internal/node existing.
type Handler struct {
	node   *node.Node
	nodeID string
	log    *zap.SugaredLogger
}

// NewHandler creates a Handler.
func NewHandler(n *node.Node, nodeID string, log *zap.SugaredLogger) *Handler {
	return &Handler{node: n, nodeID: nodeID, log: log}
}

// Register mounts every route from the spec's external-interface table
// on r.
func (h *Handler) Register(r *gin.Engine) {
	r.POST("/send", h.Send)
	r.POST("/replicate", h.Replicate)
	r.GET("/heartbeat", h.Heartbeat)
	r.POST("/request_vote", h.RequestVote)
	r.POST("/append_entries", h.AppendEntries)
	r.POST("/sync", h.Sync)
	r.GET("/messages", h.Messages)
	r.GET("/status", h.Status)
	r.GET("/time", h.Time)
	r.GET("/clock", h.Clock)
	r.GET("/ordering/status", h.OrderingStatus)
	r.GET("/time/stats", h.TimeStats)
	r.POST("/time/sync", h.TimeSync)
	r.POST("/time/correct", h.TimeCorrect)
	r.POST("/ordering/force_delivery", h.ForceDelivery)
	r.POST("/time/reset", h.TimeReset)
}

// ─── Producer / consumer surface ────────────────────────────────────────

type sendRequest struct {
	MsgID     string  `json:"msg_id"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Payload   string  `json:"payload"`
	TS        float64 `json:"ts"`
}

// Send handles POST /send.
func (h *Handler) Send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "reason": err.Error()})
		return
	}

	res, err := h.node.Send(c.Request.Context(), req.Sender, req.Recipient, []byte(req.Payload), req.TS, req.MsgID)
	if res.Redirect {
		c.JSON(http.StatusTemporaryRedirect, gin.H{
			"status":     "redirect",
			"leader_url": res.LeaderURL,
			"reason":     "node_is_not_leader",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "reason": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"seq":          res.Msg.Seq,
		"msg_id":       res.Msg.MsgID,
		"corrected_ts": res.Msg.CorrectedTS,
		"original_ts":  res.Msg.OriginalTS,
		"correction":   res.Msg.CorrectionMetadata,
	})
}

// Replicate handles POST /replicate.
func (h *Handler) Replicate(c *gin.Context) {
	var req struct {
		Msg message.Message `json:"msg"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "reason": err.Error()})
		return
	}

	stored, err := h.node.Replicate(c.Request.Context(), req.Msg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "seq": stored.Seq, "msg_id": stored.MsgID})
}

// Heartbeat handles GET /heartbeat.
func (h *Handler) Heartbeat(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "alive",
		"node_id": h.nodeID,
		"time":    time.Now().Unix(),
	})
}

// Sync handles POST /sync.
func (h *Handler) Sync(c *gin.Context) {
	var req struct {
		Since int64 `json:"since"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "reason": err.Error()})
		return
	}
	msgs, err := h.node.Sync(c.Request.Context(), req.Since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Messages handles GET /messages.
func (h *Handler) Messages(c *gin.Context) {
	limit := parseInt64(c.Query("limit"), 0)
	after := parseInt64(c.Query("after"), 0)
	sender := c.Query("sender")
	recipient := c.Query("recipient")

	msgs, err := h.node.CommittedMessages(c.Request.Context(), after, limit, sender, recipient)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "reason": err.Error()})
		return
	}

	nextAfter := after
	if len(msgs) > 0 {
		nextAfter = msgs[len(msgs)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "next_after": nextAfter})
}

func parseInt64(raw string, def int64) int64 {
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

// ─── Consensus RPCs ────────────────────────────────────────────────────

// RequestVote handles POST /request_vote.
func (h *Handler) RequestVote(c *gin.Context) {
	var args consensus.RequestVoteArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.node.HandleRequestVote(args))
}

// AppendEntries handles POST /append_entries.
func (h *Handler) AppendEntries(c *gin.Context) {
	var args consensus.AppendEntriesArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.node.HandleAppendEntries(args))
}

// ─── Observability ─────────────────────────────────────────────────────

// Status handles GET /status.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Status())
}

// Time handles GET /time, the NTP-style peer exchange endpoint: this
// node timestamps its own receipt (t2) and, right before writing the
// response, its own send (t3), letting the caller compute offset/delay
// per spec.md §4.5.1.
func (h *Handler) Time(c *gin.Context) {
	t2 := nowSeconds()
	c.JSON(http.StatusOK, gin.H{
		"server_receive_time": t2,
		"server_send_time":    nowSeconds(),
		"synchronized_time":   t2,
		"node_id":             h.nodeID,
	})
}

// Clock handles GET /clock.
func (h *Handler) Clock(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.ClockStatus())
}

// OrderingStatus handles GET /ordering/status.
func (h *Handler) OrderingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.OrderingStatus())
}

// TimeStats handles GET /time/stats.
func (h *Handler) TimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.TimeStats())
}

// ─── Operator actions ───────────────────────────────────────────────────

// TimeSync handles POST /time/sync: forces one NTP round immediately
// instead of waiting for the next periodic tick.
func (h *Handler) TimeSync(c *gin.Context) {
	if err := h.node.TriggerSync(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// TimeCorrect handles POST /time/correct: applies the configured
// correction method to an arbitrary timestamp without storing a message,
// useful for an operator diagnosing clock skew between two nodes.
func (h *Handler) TimeCorrect(c *gin.Context) {
	var req struct {
		OriginalTS float64 `json:"original_ts" binding:"required"`
		Sender     string  `json:"sender"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	corrected, meta := h.node.CorrectTimestamp(req.OriginalTS, req.Sender)
	c.JSON(http.StatusOK, gin.H{"corrected_ts": corrected, "correction": meta})
}

// ForceDelivery handles POST /ordering/force_delivery: drains the
// reordering buffer unconditionally, bypassing the age/grace-period
// rule, for operator use when a stuck sender is holding up delivery.
func (h *Handler) ForceDelivery(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"delivered": h.node.ForceDelivery()})
}

// TimeReset handles POST /time/reset: clears the drift analyzer's and
// corrector's accumulated statistics.
func (h *Handler) TimeReset(c *gin.Context) {
	h.node.ResetTimeStats()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
