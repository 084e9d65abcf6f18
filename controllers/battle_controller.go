package controllers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"battlehub/db"
	"battlehub/models"
	"battlehub/services"
	"battlehub/showdown"

	"github.com/gin-gonic/gin"
)

// BattleController exposes the choreography engine over HTTP. The front-end
// that collects usernames and announces results lives elsewhere; this surface
// only accepts a BattleSpec and reports session URLs and errors.
type BattleController struct {
	Pool    *showdown.Pool
	Service *services.BattleService
}

func NewBattleController(pool *showdown.Pool, service *services.BattleService) *BattleController {
	return &BattleController{Pool: pool, Service: service}
}

// StartBattle runs one battle choreography and responds with the session URL
// as soon as the room is set up; the replay link lands in the battle record
// later, once the battle finishes.
func (bc *BattleController) StartBattle(c *gin.Context) {
	var spec models.BattleSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Minute)
	defer cancel()

	if err := bc.Pool.Acquire(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No battle slot available: " + err.Error()})
		return
	}
	defer bc.Pool.Release()

	session, err := bc.Service.Run(ctx, &spec)
	if err != nil {
		log.Printf("battle request failed: %v", err)
		c.JSON(battleErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"roomId":  session.RoomID,
		"roomUrl": session.RoomURL,
		"players": []string{spec.Sides[0].Confirmed, spec.Sides[1].Confirmed},
	})
}

// battleErrorStatus maps the step error taxonomy onto HTTP statuses.
func battleErrorStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrOfflineOrUnregistered):
		return http.StatusNotFound
	case errors.Is(err, services.ErrChallengeTimeout),
		errors.Is(err, services.ErrSessionInitTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// GetBattles lists recently started battles with their outcomes so far
func (bc *BattleController) GetBattles(c *gin.Context) {
	if db.BattlesCollection == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Battle history is not enabled"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	records, err := db.RecentBattles(ctx, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch battle history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"battles": records})
}

// Healthz reports both connections' lifecycle states
func (bc *BattleController) Healthz(c *gin.Context) {
	a, b := bc.Pool.A, bc.Pool.B
	status := http.StatusOK
	if a.State() != showdown.StateReady || b.State() != showdown.StateReady {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		a.Username(): a.State().String(),
		b.Username(): b.State().String(),
	})
}
