package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"loatodo/internal/catalog"
	"loatodo/internal/models"
)

type characterRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Server string `json:"server"`
}

type customTaskRequest struct {
	Name            string            `json:"name"`
	Scope           models.Scope      `json:"scope"`
	Frequency       models.Frequency  `json:"frequency"`
	Gates           int               `json:"gates"`
	Rewards         []int64           `json:"rewards"`
	VisibleWeekdays models.WeekdaySet `json:"visible_weekdays"`
}

type raidOrderRequest struct {
	TaskIDs []string `json:"task_ids"`
}

type goldSettingsRequest struct {
	GoldDesignated    bool                  `json:"gold_designated"`
	AccountingMode    models.AccountingMode `json:"accounting_mode"`
	ExplicitGoldRaids []string              `json:"explicit_gold_raids"`
}

type grantRequest struct {
	Capabilities []string `json:"capabilities"`
}

type grantResponse struct {
	models.DelegationGrant
	Capabilities []string `json:"capabilities"`
}

func toGrantResponses(grants []models.DelegationGrant) []grantResponse {
	out := make([]grantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, grantResponse{DelegationGrant: g, Capabilities: g.Capabilities.Names()})
	}
	return out
}

// handleListCharacters returns the owner's registered characters.
func (s *Server) handleListCharacters(c *gin.Context) {
	chars, err := s.svc.ListCharacters(c.Request.Context(), principal(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"characters": chars})
}

// handleRegisterCharacter adds a character to the owner's registry.
func (s *Server) handleRegisterCharacter(c *gin.Context) {
	var req characterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	ch, err := s.svc.RegisterCharacter(c.Request.Context(), principal(c), models.Character{
		ID:     req.ID,
		Name:   req.Name,
		Server: req.Server,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, gin.H{"character": ch})
}

// handleRemoveCharacter deletes a character and its per-character state.
func (s *Server) handleRemoveCharacter(c *gin.Context) {
	if err := s.svc.RemoveCharacter(c.Request.Context(), principal(c), c.Param("character")); err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"status": "deleted"})
}

// handleAddCustomTask creates a custom task for the owner.
func (s *Server) handleAddCustomTask(c *gin.Context) {
	var req customTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	def, err := s.svc.AddCustomTask(c.Request.Context(), principal(c), catalog.NewCustomTask{
		Name:            req.Name,
		Scope:           req.Scope,
		Frequency:       req.Frequency,
		GateCount:       req.Gates,
		RewardTable:     req.Rewards,
		VisibleWeekdays: req.VisibleWeekdays,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, gin.H{"task": def})
}

// handleRemoveCustomTask deletes one of the owner's custom tasks.
func (s *Server) handleRemoveCustomTask(c *gin.Context) {
	if err := s.svc.RemoveCustomTask(c.Request.Context(), principal(c), c.Param("task")); err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"status": "deleted"})
}

// handleReorderRaids stores the owner's raid display order.
func (s *Server) handleReorderRaids(c *gin.Context) {
	var req raidOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.svc.ReorderRaids(c.Request.Context(), principal(c), req.TaskIDs); err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusNoContent, nil)
}

// handleGetGoldSettings returns a character's gold settings.
func (s *Server) handleGetGoldSettings(c *gin.Context) {
	settings, err := s.svc.GoldSettings(c.Request.Context(), principal(c), c.Param("character"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"settings": settings})
}

// handleUpdateGoldSettings replaces a character's gold settings.
func (s *Server) handleUpdateGoldSettings(c *gin.Context) {
	var req goldSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	settings, err := s.svc.UpdateGoldSettings(c.Request.Context(), principal(c), models.GoldSettings{
		CharacterID:       c.Param("character"),
		GoldDesignated:    req.GoldDesignated,
		AccountingMode:    req.AccountingMode,
		ExplicitGoldRaids: req.ExplicitGoldRaids,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"settings": settings})
}

// handleGoldTotal returns a character's weekly raid gold.
func (s *Server) handleGoldTotal(c *gin.Context) {
	report, err := s.svc.GoldTotal(c.Request.Context(), principal(c), c.Param("character"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"gold": report})
}

// handleAccountGold returns the owner's weekly raid gold across characters.
func (s *Server) handleAccountGold(c *gin.Context) {
	report, err := s.svc.AccountGold(c.Request.Context(), principal(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"gold": report})
}

// handleListGrants returns the grants the caller has given.
func (s *Server) handleListGrants(c *gin.Context) {
	grants, err := s.svc.ListGrants(c.Request.Context(), acting(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"grants": toGrantResponses(grants)})
}

// handleListIncomingGrants returns the grants others have given the caller.
func (s *Server) handleListIncomingGrants(c *gin.Context) {
	grants, err := s.svc.ListIncomingGrants(c.Request.Context(), acting(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"grants": toGrantResponses(grants)})
}

// handleGrant creates or replaces the caller's grant to :grantee.
func (s *Server) handleGrant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	caps, err := models.ParseCapabilities(req.Capabilities)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	grant, err := s.svc.GrantDelegation(c.Request.Context(), acting(c), c.Param("grantee"), caps)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"grant": toGrantResponses([]models.DelegationGrant{grant})[0]})
}

// handleRevoke deletes the caller's grant to :grantee.
func (s *Server) handleRevoke(c *gin.Context) {
	if err := s.svc.RevokeDelegation(c.Request.Context(), acting(c), c.Param("grantee")); err != nil {
		s.respondError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"status": "revoked"})
}
