package pipeline

import (
	"context"

	"github.com/kwv/routemesh/route"
)

// startEnrichment names placeholder groups of c in the background. It never
// affects the pipeline state; failures are only logged.
func (p *Pipeline) startEnrichment(ctx context.Context, c *route.ProcessingCache) {
	if p.geocoder == nil || !p.cfg.Pipeline.Enrich {
		return
	}
	var targets []*route.RouteGroup
	for _, g := range c.Groups {
		if g.HasPlaceholderName() {
			cp := *g
			targets = append(targets, &cp)
		}
	}
	if len(targets) == 0 {
		return
	}

	p.enrichWG.Add(1)
	go func() {
		defer p.enrichWG.Done()
		defer func() {
			if r := recover(); r != nil {
				Logf("[ENRICH] panic: %v", r)
			}
		}()

		names := make(map[string]string)
		for _, g := range targets {
			if ctx.Err() != nil {
				return
			}
			name, err := p.nameGroup(ctx, g)
			if err != nil {
				Logf("[ENRICH] naming %s failed: %v", g.ID, err)
				continue
			}
			if name != "" {
				names[g.ID] = name
			}
		}
		if len(names) > 0 {
			p.applyNames(names)
		}
	}()
}

// nameGroup derives a name from the start and, for point-to-point routes,
// the end of the group's path.
func (p *Pipeline) nameGroup(ctx context.Context, g *route.RouteGroup) (string, error) {
	pts := g.ConsensusPoints
	if len(pts) == 0 {
		pts = g.PreviewPoints
	}
	if len(pts) == 0 {
		return "", nil
	}

	start := pts[0]
	startName, err := p.geocoder.ReverseGeocode(ctx, start.Lat, start.Lng)
	if err != nil {
		return "", err
	}
	if (g.Representative != nil && g.Representative.IsLoop) || len(pts) < 2 {
		return startName, nil
	}

	end := pts[len(pts)-1]
	endName, err := p.geocoder.ReverseGeocode(ctx, end.Lat, end.Lng)
	if err != nil {
		Logf("[ENRICH] end of %s: %v", g.ID, err)
		return startName, nil
	}
	switch {
	case startName == "":
		return endName, nil
	case endName == "" || endName == startName:
		return startName, nil
	default:
		return startName + " to " + endName, nil
	}
}

// applyNames writes names into groups that still carry a placeholder and
// persists the result.
func (p *Pipeline) applyNames(names map[string]string) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	c := p.GetCache()
	changed := 0
	for id, name := range names {
		if g := c.Group(id); g != nil && g.HasPlaceholderName() {
			g.Name = name
			changed++
		}
	}
	if changed == 0 {
		return
	}
	if err := p.stores.Matches.Save(c); err != nil {
		Logf("[ENRICH] saving names: %v", err)
		return
	}
	p.publish(c)
	Logf("[ENRICH] named %d groups", changed)
}
