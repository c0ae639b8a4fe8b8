package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xilu0/kiro-gateway/internal/admin"
	"github.com/xilu0/kiro-gateway/internal/kiro"
)

type adminHandlers struct {
	service *admin.Service
	logger  *slog.Logger
}

// writeError renders the admin error envelope. Unclassified errors
// fall back to internal_error.
func writeError(c *gin.Context, err error) {
	var adminErr *admin.Error
	if !errors.As(err, &adminErr) {
		adminErr = admin.Classify(err)
	}

	status := http.StatusInternalServerError
	switch adminErr.Kind {
	case admin.KindNotFound:
		status = http.StatusNotFound
	case admin.KindInvalidCredential:
		status = http.StatusBadRequest
	case admin.KindUpstreamError:
		status = http.StatusBadGateway
	}

	c.JSON(status, gin.H{
		"error": gin.H{
			"type":    string(adminErr.Kind),
			"message": adminErr.Message,
		},
	})
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"type":    "invalid_request",
				"message": "invalid credential id: " + c.Param("id"),
			},
		})
		return 0, false
	}
	return id, true
}

func (h *adminHandlers) listCredentials(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status())
}

// addCredentialRequest mirrors the credential record minus the fields
// the pool owns (id, disabled, subscriptionTitle).
type addCredentialRequest struct {
	AccessToken   string  `json:"accessToken"`
	RefreshToken  string  `json:"refreshToken"`
	ProfileARN    string  `json:"profileArn"`
	ExpiresAt     string  `json:"expiresAt"`
	AuthMethod    string  `json:"authMethod"`
	ClientID      string  `json:"clientId"`
	ClientSecret  string  `json:"clientSecret"`
	Priority      uint32  `json:"priority"`
	Region        *string `json:"region"`
	AuthRegion    *string `json:"authRegion"`
	APIRegion     *string `json:"apiRegion"`
	MachineID     string  `json:"machineId"`
	Email         string  `json:"email"`
	ProxyURL      string  `json:"proxyUrl"`
	ProxyUsername string  `json:"proxyUsername"`
	ProxyPassword string  `json:"proxyPassword"`
}

func (h *adminHandlers) addCredential(c *gin.Context) {
	var req addCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"type":    "invalid_request",
				"message": "invalid request body: " + err.Error(),
			},
		})
		return
	}

	creds := kiro.Credentials{
		AccessToken:   req.AccessToken,
		RefreshToken:  req.RefreshToken,
		ProfileARN:    req.ProfileARN,
		ExpiresAt:     req.ExpiresAt,
		AuthMethod:    req.AuthMethod,
		ClientID:      req.ClientID,
		ClientSecret:  req.ClientSecret,
		Priority:      req.Priority,
		Region:        req.Region,
		AuthRegion:    req.AuthRegion,
		APIRegion:     req.APIRegion,
		MachineID:     req.MachineID,
		Email:         req.Email,
		ProxyURL:      req.ProxyURL,
		ProxyUsername: req.ProxyUsername,
		ProxyPassword: req.ProxyPassword,
	}

	result, err := h.service.AddCredential(c.Request.Context(), creds)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *adminHandlers) deleteCredential(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.service.DeleteCredential(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *adminHandlers) setDisabled(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req struct {
		Disabled *bool `json:"disabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Disabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"type":    "invalid_request",
				"message": "request body must carry a boolean \"disabled\" field",
			},
		})
		return
	}

	if err := h.service.SetDisabled(id, *req.Disabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "disabled": *req.Disabled})
}

func (h *adminHandlers) setPriority(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req struct {
		Priority *uint32 `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Priority == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"type":    "invalid_request",
				"message": "request body must carry a numeric \"priority\" field",
			},
		})
		return
	}

	if err := h.service.SetPriority(id, *req.Priority); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "priority": *req.Priority})
}

func (h *adminHandlers) resetCredential(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.service.ResetAndEnable(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "disabled": false, "failureCount": 0})
}

func (h *adminHandlers) getBalance(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	force := c.Query("force") == "true" || c.Query("force") == "1"

	result, err := h.service.GetBalance(c.Request.Context(), id, force)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *adminHandlers) getLoadBalancing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"loadBalancingMode": h.service.Mode()})
}

func (h *adminHandlers) setLoadBalancing(c *gin.Context) {
	var req struct {
		LoadBalancingMode string `json:"loadBalancingMode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.LoadBalancingMode == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"type":    "invalid_request",
				"message": "request body must carry a \"loadBalancingMode\" field",
			},
		})
		return
	}

	if err := h.service.SetMode(req.LoadBalancingMode); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loadBalancingMode": h.service.Mode()})
}
