// Package directory caches the region -> district hierarchy used for filtering.
package directory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vgold/heatwatch/services/console/internal/apierr"
	"github.com/vgold/heatwatch/services/console/internal/notify"
	"github.com/vgold/heatwatch/services/console/internal/upstream"
)

// District belongs to exactly one region.
type District struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	RegionID int64  `json:"region_id"`
}

// Region owns its districts by containment.
type Region struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Districts []District `json:"districts"`
}

// API is the slice of the remote API the directory needs.
type API interface {
	Regions(ctx context.Context) ([]upstream.Region, error)
	Districts(ctx context.Context) ([]upstream.District, error)
	CreateRegion(ctx context.Context, name string) (upstream.Region, string, error)
	CreateDistrict(ctx context.Context, name string, regionID int64) (upstream.District, string, error)
}

// Notifier receives user-visible notifications.
type Notifier interface {
	Notify(kind notify.Kind, title, message string) notify.Notification
}

// Cache is a fetch-once copy of the directory. Writes go to the server and
// are followed by a full reload.
type Cache struct {
	api      API
	notifier Notifier
	logger   *zap.Logger

	mu        sync.RWMutex
	regions   []Region
	districts []District
	loaded    bool
	lastErr   string
}

func NewCache(api API, notifier Notifier, logger *zap.Logger) *Cache {
	return &Cache{api: api, notifier: notifier, logger: logger}
}

// EnsureLoaded loads the directory unless a load already succeeded.
func (c *Cache) EnsureLoaded(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	return c.Reload(ctx)
}

// Reload fetches regions, then districts, and groups districts under their
// region. A failed districts call degrades to whatever districts the regions
// already carried.
func (c *Cache) Reload(ctx context.Context) error {
	rawRegions, err := c.api.Regions(ctx)
	if err != nil {
		msg := apierr.UpstreamMessage(err, "Failed to load regions")
		c.mu.Lock()
		c.lastErr = msg
		c.mu.Unlock()
		c.logger.Error("failed to fetch regions", zap.Error(err))
		c.notifier.Notify(notify.KindError, "Regions Error", msg)
		return fmt.Errorf("fetch regions: %w", err)
	}

	var districts []District
	rawDistricts, err := c.api.Districts(ctx)
	if err != nil {
		c.logger.Warn("failed to fetch districts, using nested districts", zap.Error(err))
		districts = nil
		for _, r := range rawRegions {
			for _, d := range r.Districts {
				districts = append(districts, toDistrict(d, int64(r.ID)))
			}
		}
	} else {
		districts = make([]District, 0, len(rawDistricts))
		for _, d := range rawDistricts {
			districts = append(districts, toDistrict(d, 0))
		}
	}

	regions := Group(rawRegions, districts)

	c.mu.Lock()
	c.regions = regions
	c.districts = districts
	c.loaded = true
	c.lastErr = ""
	c.mu.Unlock()
	return nil
}

// Group nests districts under their owning region. Ids are compared
// numerically, so "4" and 4 refer to the same region.
func Group(regions []upstream.Region, districts []District) []Region {
	out := make([]Region, 0, len(regions))
	for _, r := range regions {
		region := Region{ID: int64(r.ID), Name: r.Name, Districts: []District{}}
		for _, d := range districts {
			if d.RegionID == region.ID {
				region.Districts = append(region.Districts, d)
			}
		}
		out = append(out, region)
	}
	return out
}

func toDistrict(d upstream.District, fallbackRegion int64) District {
	regionID := int64(d.RegionID)
	if regionID == 0 {
		regionID = fallbackRegion
	}
	return District{ID: int64(d.ID), Name: d.Name, RegionID: regionID}
}

// Regions returns a copy of the grouped regions.
func (c *Cache) Regions() []Region {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Region, len(c.regions))
	for i, r := range c.regions {
		r.Districts = append([]District{}, r.Districts...)
		out[i] = r
	}
	return out
}

// Districts returns a flat copy of all districts.
func (c *Cache) Districts() []District {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]District(nil), c.districts...)
}

// LastError returns the message of the last failed load, or "".
func (c *Cache) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// CreateRegion creates a region server-side and reloads the directory.
func (c *Cache) CreateRegion(ctx context.Context, name string) (Region, error) {
	created, msg, err := c.api.CreateRegion(ctx, name)
	if err != nil {
		c.logger.Error("failed to create region", zap.String("name", name), zap.Error(err))
		c.notifier.Notify(notify.KindError, "Error", apierr.UpstreamMessage(err, "Failed to create region"))
		return Region{}, fmt.Errorf("create region: %w", err)
	}
	if err := c.Reload(ctx); err != nil {
		return Region{}, err
	}
	if msg == "" {
		msg = "Region created successfully"
	}
	c.notifier.Notify(notify.KindSuccess, "Success", msg)
	return Region{ID: int64(created.ID), Name: created.Name, Districts: []District{}}, nil
}

// CreateDistrict creates a district server-side and reloads the directory.
func (c *Cache) CreateDistrict(ctx context.Context, name string, regionID int64) (District, error) {
	created, msg, err := c.api.CreateDistrict(ctx, name, regionID)
	if err != nil {
		c.logger.Error("failed to create district", zap.String("name", name), zap.Int64("region_id", regionID), zap.Error(err))
		c.notifier.Notify(notify.KindError, "Error", apierr.UpstreamMessage(err, "Failed to create district"))
		return District{}, fmt.Errorf("create district: %w", err)
	}
	if err := c.Reload(ctx); err != nil {
		return District{}, err
	}
	if msg == "" {
		msg = "District created successfully"
	}
	c.notifier.Notify(notify.KindSuccess, "Success", msg)
	return toDistrict(created, regionID), nil
}
