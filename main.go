package main

import (
	"fmt"

	"PromptToVideo-server/config"
	"PromptToVideo-server/models"
	"PromptToVideo-server/routers"
	"PromptToVideo-server/service"
)

func main() {
	config.InitConfig()
	fmt.Println("Server starting on port", config.AppConfig.Server.Port)
	models.InitDB()
	fmt.Println("Database initialized")

	service.InitQueue()
	fmt.Println("Queue initialized")

	service.InitMinIO()
	fmt.Println("MinIO initialized")

	processor := service.NewProcessor(models.GormDB)
	processor.StartProcessor(2)

	r := routers.InitRouter()
	r.Run(config.AppConfig.Server.Port)
}
