package handlers

import (
	"net/http"
	"time"

	"kiro-nexus/internal/kiro"
)

// ModelsHandler handles GET /v1/models.
func ModelsHandler() http.HandlerFunc {
	created := time.Now().Unix()
	return func(w http.ResponseWriter, r *http.Request) {
		models := kiro.PublicModels()
		data := make([]map[string]any, 0, len(models))
		for _, id := range models {
			data = append(data, map[string]any{
				"id":       id,
				"object":   "model",
				"created":  created,
				"owned_by": "kiro",
			})
		}
		writeManagementJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data":   data,
		})
	}
}
