package routes

import (
	"battlehub/controllers"

	"github.com/gin-gonic/gin"
)

// SetupBattleRoutes registers the battle orchestration endpoints
func SetupBattleRoutes(router *gin.Engine, bc *controllers.BattleController) {
	router.POST("/battles", bc.StartBattle)
	router.GET("/battles", bc.GetBattles)
	router.GET("/healthz", bc.Healthz)
}
