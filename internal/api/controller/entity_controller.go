package controller

import (
	"context"
	"net/http"

	"github.com/bassista/gitrecords/internal/datastore"
	"github.com/gin-gonic/gin"
)

// RecordService is the data provider surface the entity API needs.
type RecordService interface {
	GetAll(ctx context.Context, entityType, organizationID string) ([]datastore.Record, error)
	Find(ctx context.Context, entityType, id, organizationID string) (datastore.Record, bool, error)
	Query(ctx context.Context, entityType string, filters map[string]any, organizationID string) ([]datastore.Record, error)
	Create(ctx context.Context, entityType string, data map[string]any, organizationID string) (datastore.Record, error)
	Update(ctx context.Context, entityType, id string, partial map[string]any, organizationID string) (datastore.Record, bool, error)
	Delete(ctx context.Context, entityType, id, organizationID string) (bool, error)
	Refresh(ctx context.Context, entityType, organizationID string) ([]datastore.Record, error)
}

// orgParam selects the tenant scope of scoped entity types.
const orgParam = "organization_id"

// EntityController exposes every registered entity type over one set of routes.
type EntityController struct {
	Service RecordService
}

func NewEntityController(svc RecordService) *EntityController {
	return &EntityController{Service: svc}
}

// RegisterRoutes registers the entity endpoints on rg.
func (ec *EntityController) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/:entity", ec.List)
	rg.POST("/:entity", ec.Create)
	rg.POST("/:entity/refresh", ec.Refresh)
	rg.GET("/:entity/:id", ec.Get)
	rg.PATCH("/:entity/:id", ec.Update)
	rg.DELETE("/:entity/:id", ec.Delete)
}

// List returns the bucket, filtered by any query parameter other than organization_id.
func (ec *EntityController) List(c *gin.Context) {
	filters := filtersFromQuery(c)
	var (
		records []datastore.Record
		err     error
	)
	if len(filters) == 0 {
		records, err = ec.Service.GetAll(c.Request.Context(), c.Param("entity"), c.Query(orgParam))
	} else {
		records, err = ec.Service.Query(c.Request.Context(), c.Param("entity"), filters, c.Query(orgParam))
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (ec *EntityController) Get(c *gin.Context) {
	rec, found, err := ec.Service.Find(c.Request.Context(), c.Param("entity"), c.Param("id"), c.Query(orgParam))
	if err != nil {
		respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (ec *EntityController) Create(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	rec, err := ec.Service.Create(c.Request.Context(), c.Param("entity"), payload, scopeOf(c, payload))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (ec *EntityController) Update(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	rec, found, err := ec.Service.Update(c.Request.Context(), c.Param("entity"), c.Param("id"), payload, c.Query(orgParam))
	if err != nil {
		respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (ec *EntityController) Delete(c *gin.Context) {
	deleted, err := ec.Service.Delete(c.Request.Context(), c.Param("entity"), c.Param("id"), c.Query(orgParam))
	if err != nil {
		respondError(c, err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Refresh drops the cached bucket and returns a fresh listing.
func (ec *EntityController) Refresh(c *gin.Context) {
	records, err := ec.Service.Refresh(c.Request.Context(), c.Param("entity"), c.Query(orgParam))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

// filtersFromQuery turns query parameters into exact-match filters. The
// literals true, false and null are matched as JSON values; everything else
// as a string.
func filtersFromQuery(c *gin.Context) map[string]any {
	filters := map[string]any{}
	for field, values := range c.Request.URL.Query() {
		if field == orgParam || len(values) == 0 {
			continue
		}
		switch v := values[len(values)-1]; v {
		case "true":
			filters[field] = true
		case "false":
			filters[field] = false
		case "null":
			filters[field] = nil
		default:
			filters[field] = v
		}
	}
	return filters
}

// scopeOf prefers the query parameter and falls back to the payload's organization_id.
func scopeOf(c *gin.Context, payload map[string]any) string {
	if org := c.Query(orgParam); org != "" {
		return org
	}
	if org, ok := payload[orgParam].(string); ok {
		return org
	}
	return ""
}
