package main

import (
	"context"
	"log"
	"os"
	"strconv"

	"battlehub/config"
	"battlehub/controllers"
	"battlehub/db"
	"battlehub/routes"
	"battlehub/services"
	"battlehub/showdown"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Optional .env for local overrides; absence is fine
	_ = godotenv.Load()

	path := os.Getenv("BATTLEHUB_CONFIG")
	if path == "" {
		path = "./config/config.yml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Battle history is optional; the engine runs without it
	var store services.BattleStore
	if cfg.Database.URI != "" {
		if err := db.ConnectMongoDB(cfg.Database.URI); err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		log.Println("Connected to MongoDB")
		store = db.BattleStore{}
	} else {
		log.Println("No database URI configured; battle history disabled")
	}

	ctx := context.Background()
	pool, err := showdown.NewPool(ctx,
		botConfig(cfg, 0),
		botConfig(cfg, 1),
	)
	if err != nil {
		log.Fatalf("Failed to build connection pool: %v", err)
	}
	if err := pool.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect bot accounts: %v", err)
	}

	service := services.NewBattleService(pool.Context(), pool.A, pool.B, cfg.Showdown.RoomURL, store)
	controller := controllers.NewBattleController(pool, service)

	router := setupRouter(controller)
	port := strconv.Itoa(cfg.Server.Port)
	log.Printf("Server starting on port %s", port)

	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func botConfig(cfg *config.Config, i int) showdown.Config {
	return showdown.Config{
		Host:      cfg.Showdown.Host,
		ActionURL: cfg.Showdown.ActionURL,
		Name:      cfg.Bots[i].Name,
		Password:  cfg.Bots[i].Password,
	}
}

func setupRouter(controller *controllers.BattleController) *gin.Engine {
	router := gin.Default()

	router.SetTrustedProxies([]string{"127.0.0.1", "localhost"})

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:5173"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	routes.SetupBattleRoutes(router, controller)
	return router
}
