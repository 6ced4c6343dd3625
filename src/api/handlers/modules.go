package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stake-plus/hayes/src/data"
	"github.com/stake-plus/hayes/src/modules/core"
	"gorm.io/gorm"
)

// Modules serves the module admin endpoints.
type Modules struct {
	Loader *core.Loader
	// DB is optional; without it the events endpoint answers 503.
	DB *gorm.DB
}

type moduleView struct {
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Declarations []string  `json:"declarations"`
	Commands     int       `json:"commands"`
	LoadedAt     time.Time `json:"loaded_at"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
}

func viewOf(m core.ModuleInfo) moduleView {
	v := moduleView{
		Key:          m.Key,
		Name:         m.Name,
		Description:  m.Description,
		Declarations: m.Declarations,
		Commands:     m.Commands,
		LoadedAt:     m.LoadedAt,
	}
	if m.Fingerprint != 0 {
		v.Fingerprint = strconv.FormatUint(m.Fingerprint, 16)
	}
	return v
}

type commandView struct {
	Token       string `json:"token"`
	Description string `json:"description"`
	Capability  string `json:"capability"`
	Strictness  string `json:"strictness"`
}

// Health reports liveness without authentication.
func (h Modules) Health(c *gin.Context) {
	rt := h.Loader.Runtime()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"modules": len(rt.Modules()),
		"uptime":  rt.Uptime().String(),
	})
}

// List returns every hooked module.
func (h Modules) List(c *gin.Context) {
	mods := h.Loader.Runtime().Modules()
	out := make([]moduleView, 0, len(mods))
	for _, m := range mods {
		out = append(out, viewOf(m))
	}
	c.JSON(http.StatusOK, gin.H{"modules": out})
}

// Commands returns the commands of one declaration.
func (h Modules) Commands(c *gin.Context) {
	decl := c.Param("name")
	entries := h.Loader.Runtime().Commands(decl)
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"err": "no such module"})
		return
	}
	out := make([]commandView, 0, len(entries))
	for _, e := range entries {
		out = append(out, commandView{
			Token:       e.Token,
			Description: e.Description,
			Capability:  e.Capability.String(),
			Strictness:  e.Strictness.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"module": decl, "commands": out})
}

// Plugins lists loadable files in the module directory.
func (h Modules) Plugins(c *gin.Context) {
	if err := h.Loader.Refresh(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	files, compiled := h.Loader.Candidates()
	c.JSON(http.StatusOK, gin.H{"files": files, "compiled": compiled})
}

// Hook loads a module file.
func (h Modules) Hook(c *gin.Context) {
	file := c.Param("name")
	if h.Loader.Runtime().IsHooked(file) {
		c.JSON(http.StatusConflict, gin.H{"err": "module already hooked"})
		return
	}
	if err := h.Loader.Hook(c.Request.Context(), file); err != nil {
		c.JSON(loadStatus(err), gin.H{"err": err.Error()})
		return
	}
	info, _ := h.Loader.Runtime().Module(file)
	c.JSON(http.StatusCreated, viewOf(info))
}

// Reload unhooks and hooks a module file again.
func (h Modules) Reload(c *gin.Context) {
	file := c.Param("name")
	if err := h.Loader.Reload(c.Request.Context(), file); err != nil {
		c.JSON(loadStatus(err), gin.H{"err": err.Error()})
		return
	}
	info, _ := h.Loader.Runtime().Module(file)
	c.JSON(http.StatusOK, viewOf(info))
}

// Unhook removes a hooked module.
func (h Modules) Unhook(c *gin.Context) {
	key := c.Param("name")
	if !h.Loader.Runtime().IsHooked(key) {
		c.JSON(http.StatusNotFound, gin.H{"err": "module not hooked"})
		return
	}
	if err := h.Loader.Unhook(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// Events returns recent lifecycle events from the audit table.
func (h Modules) Events(c *gin.Context) {
	if h.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"err": "event log disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, err := data.RecentEvents(c.Request.Context(), h.DB, c.Query("module"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows})
}

func loadStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidModulePath), errors.Is(err, core.ErrUnsupportedModule):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrDeclarationConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrSyntax), errors.Is(err, core.ErrRuntime), errors.Is(err, core.ErrInvalidDeclaration):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
