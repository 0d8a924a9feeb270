package main

import (
	"log"
	"os"
	"strings"
	"time"

	"kapture_back/authorization"
	"kapture_back/cache"
	"kapture_back/chat"
	"kapture_back/knowledge"
	"kapture_back/uploads"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func corsMiddleware() gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	origins := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS"))
	if origins == "" {
		config.AllowAllOrigins = true
		config.AllowCredentials = false
	} else {
		for _, origin := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				config.AllowOrigins = append(config.AllowOrigins, trimmed)
			}
		}
	}

	return cors.New(config)
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(corsMiddleware())

	db, err := knowledge.OpenDatabaseFromEnv()
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	redisClient, err := cache.GetRedisClient()
	if err != nil {
		log.Printf("redis unavailable, caching disabled: %v", err)
		redisClient = nil
	}
	defer func() {
		if err := cache.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}()

	authModule, err := authorization.RegisterRoutes(r, db)
	if err != nil {
		log.Fatalf("register auth routes: %v", err)
	}
	guard := authModule.Guard()

	knowledgeModule, err := knowledge.RegisterRoutes(r, db, redisClient, guard)
	if err != nil {
		log.Fatalf("register knowledge routes: %v", err)
	}

	if _, err := chat.RegisterRoutes(r, db, redisClient, guard, knowledgeModule.Service()); err != nil {
		log.Fatalf("register chat routes: %v", err)
	}

	if _, err := uploads.RegisterRoutes(r, guard, knowledgeModule.Service()); err != nil {
		log.Fatalf("register upload routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
