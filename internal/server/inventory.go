package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	inventorydomain "github.com/smallbiznis/tripsaga/internal/inventory/domain"
	inventoryservice "github.com/smallbiznis/tripsaga/internal/inventory/service"
)

type stockRequest struct {
	Available *int `json:"available"`
}

type stockResponse struct {
	Kind       inventorydomain.Kind `json:"kind"`
	ResourceID string               `json:"resource_id"`
	Available  int                  `json:"available"`
}

func (s *Server) GetStock(c *gin.Context) {
	svc, ok := s.inventoryFor(c)
	if !ok {
		return
	}

	resourceID := strings.TrimSpace(c.Param("resource"))
	available, err := svc.Available(c.Request.Context(), resourceID)
	if err != nil {
		if errors.Is(err, inventorydomain.ErrUnknownResource) {
			err = ErrNotFound
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stockResponse{Kind: svc.Kind(), ResourceID: resourceID, Available: available}})
}

// SetStock overwrites the capacity of one resource.
func (s *Server) SetStock(c *gin.Context) {
	svc, ok := s.inventoryFor(c)
	if !ok {
		return
	}

	var req stockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Available == nil || *req.Available < 0 {
		AbortWithError(c, newValidationError("available", "invalid_available", "available must be zero or more"))
		return
	}

	resourceID := strings.TrimSpace(c.Param("resource"))
	if err := svc.Stock(c.Request.Context(), resourceID, *req.Available); err != nil {
		if errors.Is(err, inventorydomain.ErrUnknownResource) {
			err = newValidationError("resource", "invalid_resource", "invalid resource")
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stockResponse{Kind: svc.Kind(), ResourceID: resourceID, Available: *req.Available}})
}

func (s *Server) inventoryFor(c *gin.Context) (*inventoryservice.Service, bool) {
	if s.inventory.Flight == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return nil, false
	}
	svc, ok := s.inventory.ByKind(inventorydomain.Kind(strings.ToLower(strings.TrimSpace(c.Param("kind")))))
	if !ok || svc == nil {
		AbortWithError(c, ErrNotFound)
		return nil, false
	}
	return svc, true
}
