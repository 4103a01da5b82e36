package http

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hermes-inc/hermes/internal/application/mediator"
)

const maxEnvelopeSize = 4 << 20

func wireContentTypeOK(c *gin.Context) bool {
	ct := c.ContentType()
	return wireContentTypes[strings.ToLower(strings.TrimSpace(ct))]
}

func readEnvelope(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEnvelopeSize))
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty request body"})
		return nil, false
	}
	return body, true
}

// handleEndpointInbox accepts an opaque envelope for one endpoint: the
// body is never inspected, it goes to the recipient as posted. The
// delivery outcome maps onto the status ladder: 202 when a consumer
// acked, the pickup queue took it or the device was woken over FCM;
// 410 when the recipient has no active transport and no way to be
// woken; 421 when waking would need FCM credentials this mediator does
// not have.
func (r *Router) handleEndpointInbox(c *gin.Context) {
	if !wireContentTypeOK(c) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type"})
		return
	}

	uid := c.Param("uid")
	endpoint, err := r.deps.Service.Registry.LoadEndpoint(c.Request.Context(), uid)
	if err != nil {
		r.respondError(c, err)
		return
	}
	if endpoint == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown endpoint"})
		return
	}

	body, ok := readEnvelope(c)
	if !ok {
		return
	}

	status, err := r.deps.Service.Router.Deliver(c.Request.Context(), endpoint, body)
	if err != nil {
		r.respondError(c, err)
		return
	}
	switch status {
	case mediator.DeliveryAccepted, mediator.DeliveryWokenFCM:
		c.Status(http.StatusAccepted)
	case mediator.DeliveryNeedsFCM:
		c.JSON(http.StatusMisdirectedRequest, gin.H{"error": "recipient needs a push notification wake but FCM is not configured"})
	default:
		c.JSON(http.StatusGone, gin.H{"error": "recipient has no active transport"})
	}
}

// handleMainInbox accepts protocol messages addressed to the mediator
// itself. When the message produces a reply it is returned in the
// response body as a packed envelope.
func (r *Router) handleMainInbox(c *gin.Context) {
	if !wireContentTypeOK(c) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type"})
		return
	}
	body, ok := readEnvelope(c)
	if !ok {
		return
	}

	transport := newBufferTransport()
	session := r.deps.Service.NewSession(transport, mediator.GroupIDOff)
	defer session.Close(c.Request.Context())

	if err := session.HandleInbound(c.Request.Context(), body); err != nil {
		r.respondError(c, err)
		return
	}

	if reply := transport.take(); reply != nil {
		c.Data(http.StatusOK, contentTypeWire, reply)
		return
	}
	c.Status(http.StatusAccepted)
}

// handleInvitation serves the standing connection invitation, plain and
// in the c_i= URL form.
func (r *Router) handleInvitation(c *gin.Context) {
	invitation := mediator.NewInvitation(r.deps.Service.Keys, r.deps.Service.Label, r.deps.Service.PublicURL)

	if c.Query("raw") != "" {
		c.JSON(http.StatusOK, invitation)
		return
	}
	encoded, err := invitationURL(invitation, r.deps.Service.PublicURL)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invitation": invitation, "invitation_url": encoded})
}

func invitationURL(invitation mediator.Invitation, publicURL string) (string, error) {
	raw, err := json.Marshal(invitation)
	if err != nil {
		return "", err
	}
	return publicURL + "?c_i=" + base64.URLEncoding.EncodeToString(raw), nil
}
