package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"cvchapchap/internal/api/middleware"
)

const defaultLockTTL = 15 * time.Minute

// RegisterRoutes 注册全部 /api 路由。
func RegisterRoutes(router *gin.Engine, deps Deps) {
	var (
		allowedOrigins []string
		internalSecret string
		loginPerHour   = 10
		lockThreshold  = 5
		lockTTL        = defaultLockTTL
	)
	if cfg := deps.Config; cfg != nil {
		allowedOrigins = cfg.API.AllowedOrigins
		internalSecret = cfg.API.InternalSecret
		loginPerHour = cfg.Auth.LoginRateLimitPerHour
		lockThreshold = cfg.Auth.LoginLockThreshold
		lockTTL = cfg.Auth.LoginLockTTL
	}

	var store redisStore
	if deps.Redis != nil {
		store = deps.Redis
	}
	var signer URLSigner
	if deps.Storage != nil {
		signer = deps.Storage
	}

	templateHandler := NewTemplateHandler(deps.DB, deps.Enqueuer, signer)
	cvHandler := NewCVHandler(deps.DB, deps.Renderer, deps.Chain)
	draftHandler := NewDraftHandler(deps.Forms, deps.Drafts, deps.Renderer, deps.Requests)
	paymentHandler := NewPaymentHandler(deps.Requests, deps.Forms)
	wsHandler := NewWsHandler(deps.Redis, deps.Requests, deps.Logger, allowedOrigins)
	openAIHandler := NewOpenAIHandler(deps.OpenAI, store)
	assetHandler := NewAssetHandler(deps.Storage, deps.Scanner, deps.Logger)

	api := router.Group("/api")

	templates := api.Group("/templates")
	{
		templates.GET("", templateHandler.ListTemplates)
		templates.GET("/:id", templateHandler.GetTemplate)
	}

	cvs := api.Group("/cv")
	{
		cvs.POST("", cvHandler.CreateCV)
		cvs.POST("/html-preview", cvHandler.HTMLPreviewUnsaved)
		cvs.GET("/:id", cvHandler.GetCV)
		cvs.PUT("/:id", cvHandler.UpdateCV)
		cvs.DELETE("/:id", cvHandler.DeleteCV)
		cvs.POST("/:id/preview", cvHandler.PreviewPDF)
		cvs.GET("/:id/html-preview", cvHandler.HTMLPreview)
	}

	drafts := api.Group("/drafts")
	{
		drafts.POST("", draftHandler.CreateDraft)
		drafts.GET("/:session", draftHandler.GetDraft)
		drafts.PUT("/:session", draftHandler.ReplaceDraft)
		drafts.DELETE("/:session", draftHandler.ResetDraft)
		drafts.PUT("/:session/fields/:section", draftHandler.UpdateField)
		drafts.POST("/:session/sections/:section/items", draftHandler.AddItem)
		drafts.DELETE("/:session/sections/:section/items/:itemId", draftHandler.RemoveItem)
		drafts.POST("/:session/sections/:section/move", draftHandler.MoveItem)
		drafts.PUT("/:session/step", draftHandler.SetStep)
		drafts.PUT("/:session/template", draftHandler.SetTemplate)
		drafts.GET("/:session/preview", draftHandler.Preview)
		drafts.GET("/:session/request", draftHandler.CurrentRequest)
	}

	if deps.Requests != nil {
		pdf := api.Group("/cv-pdf")
		{
			pdf.POST("/anonymous/initiate-ussd", paymentHandler.InitiateUSSD)
			pdf.POST("/:id/verify", paymentHandler.Verify)
			pdf.GET("/:id/status", paymentHandler.Status)
			pdf.GET("/:id/download", paymentHandler.Download)
			pdf.GET("/:id/ws", wsHandler.HandleConnection)
			pdf.POST("/:id/callback", middleware.InternalSecretMiddleware(internalSecret), paymentHandler.Callback)
		}
		api.POST("/generate-and-download", paymentHandler.GenerateAndDownload)
	}

	api.POST("/openai/proxy", openAIHandler.Proxy)

	if deps.Storage != nil {
		assets := api.Group("/assets")
		{
			assets.POST("/photo", assetHandler.UploadPhoto)
			assets.GET("/photos", assetHandler.ListPhotos)
			assets.GET("/photo-url", assetHandler.GetPhotoURL)
			assets.DELETE("/photos/:session", assetHandler.DeletePhotos)
		}
	}

	if deps.Auth != nil {
		authHandler := NewAuthHandler(deps.DB, deps.Auth, store, deps.Logger, loginPerHour, lockThreshold, lockTTL)
		authMiddleware := middleware.AuthMiddleware(deps.Auth, authHandler.Revocations())
		passwordGate := middleware.RequirePasswordChangeCompletedMiddleware()

		authGroup := api.Group("/auth")
		{
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/change-password", authMiddleware, authHandler.ChangePassword)
			authGroup.POST("/logout", authMiddleware, authHandler.Logout)
		}

		admin := api.Group("/templates", authMiddleware, passwordGate)
		{
			admin.POST("", templateHandler.CreateTemplate)
			admin.PUT("/:id", templateHandler.UpdateTemplate)
			admin.DELETE("/:id", templateHandler.DeleteTemplate)
		}
	}
}
