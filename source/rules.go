package source

import (
	"log"
	"sort"

	"rfstudy/geo"
	"rfstudy/params"
)

// Rule is one interference-rule row: it matches a desired/undesired service
// pair at a channel delta and carries the protection requirement.
type Rule struct {
	DesiredService   params.Service
	UndesiredService params.Service
	// ChannelDelta is undesired channel minus desired channel. Co-channel
	// is 0, upper adjacent +1, lower adjacent -1.
	ChannelDelta int
	// DesiredCountry limits the rule to desired stations of one country;
	// nil matches any.
	DesiredCountry *params.Country
	RequiredDUdB   float64
	PercentTime    float64
	// ThresholdDBu, when positive, exempts points where the undesired field
	// is below it regardless of the ratio.
	ThresholdDBu float64
}

// Matches reports whether the rule applies to the ordered pair.
func (r Rule) Matches(desired, undesired *Source) bool {
	if r.DesiredService != desired.Service || r.UndesiredService != undesired.Service {
		return false
	}
	if r.ChannelDelta != undesired.Channel-desired.Channel {
		return false
	}
	if r.DesiredCountry != nil && *r.DesiredCountry != desired.Country {
		return false
	}
	return true
}

// DefaultRules returns the co- and adjacent-channel rule set used when the
// study database carries no custom rules.
func DefaultRules() []Rule {
	rules := []Rule{}
	for _, svc := range []params.Service{params.ServiceTVFull, params.ServiceTVLowPower, params.ServiceDTV} {
		for _, usvc := range []params.Service{params.ServiceTVFull, params.ServiceTVLowPower, params.ServiceDTV} {
			rules = append(rules,
				Rule{DesiredService: svc, UndesiredService: usvc, ChannelDelta: 0, RequiredDUdB: 28, PercentTime: 10},
				Rule{DesiredService: svc, UndesiredService: usvc, ChannelDelta: 1, RequiredDUdB: -26, PercentTime: 10},
				Rule{DesiredService: svc, UndesiredService: usvc, ChannelDelta: -1, RequiredDUdB: -28, PercentTime: 10},
			)
		}
	}
	rules = append(rules,
		Rule{DesiredService: params.ServiceFM, UndesiredService: params.ServiceFM, ChannelDelta: 0, RequiredDUdB: 20, PercentTime: 10},
		Rule{DesiredService: params.ServiceFM, UndesiredService: params.ServiceFM, ChannelDelta: 1, RequiredDUdB: 6, PercentTime: 10},
		Rule{DesiredService: params.ServiceFM, UndesiredService: params.ServiceFM, ChannelDelta: -1, RequiredDUdB: 6, PercentTime: 10},
	)
	return rules
}

// BuildUndesiredList matches every other scenario source against the rule
// set and attaches the surviving links to the desired source. Culling
// happens here: an undesired whose culling distance cannot reach the
// desired's service area never enters the list.
func (s *Source) BuildUndesiredList(all []*Source, rules []Rule, set *params.Set) {
	s.Undesireds = s.Undesireds[:0]
	bounds := s.Bounds()
	for _, u := range all {
		if u == s || u.Key == s.Key {
			continue
		}
		// In-group DTS transmitters are handled by the self-interference
		// pass, not the rule table.
		if s.GroupKey != "" && s.GroupKey == u.GroupKey {
			continue
		}
		for _, r := range rules {
			if !r.Matches(s, u) {
				continue
			}
			cull := set.CullingDistance(u.Band(), u.Zone, u.ERPdBk)
			if !withinCullRange(bounds, s, u, cull) {
				continue
			}
			s.Undesireds = append(s.Undesireds, UndesiredLink{
				Undesired:      u,
				RequiredDUdB:   set.CapRequiredDU(r.RequiredDUdB),
				PercentTime:    r.PercentTime,
				ThresholdDBu:   r.ThresholdDBu,
				CullDistanceKm: cull,
			})
			break // first matching rule wins
		}
	}
}

// withinCullRange tests whether the undesired can reach any part of the
// desired's service area. With no bounds (unrestricted area) the
// site-to-site distance governs.
func withinCullRange(bounds geo.Bounds, desired, undesired *Source, cullKm float64) bool {
	if cullKm <= 0 {
		return false
	}
	if bounds.IsEmpty() {
		return geo.DistanceKm(desired.Lat, desired.Lon, undesired.Lat, undesired.Lon) <= cullKm
	}
	// Nearest corner/edge approximation: clamp the undesired site into the
	// bounds and measure to the clamped point.
	lat, lon := undesired.Lat, undesired.Lon
	if lat < bounds.South {
		lat = bounds.South
	}
	if lat > bounds.North {
		lat = bounds.North
	}
	if lon < bounds.West {
		lon = bounds.West
	}
	if lon > bounds.East {
		lon = bounds.East
	}
	return geo.DistanceKm(lat, lon, undesired.Lat, undesired.Lon) <= cullKm
}

// DTSGroup collects the members of a distributed transmission system.
type DTSGroup struct {
	Key       string
	Reference *Source
	Members   []*Source // physical transmitters, reference excluded
}

// CollectDTSGroups partitions grouped sources. A group without exactly one
// reference facility is fatal for that group only: its members are dropped
// from the returned source list and the group key reported in dropped.
func CollectDTSGroups(all []*Source) (kept []*Source, groups map[string]*DTSGroup, dropped []string) {
	groups = make(map[string]*DTSGroup)
	bad := make(map[string]bool)
	for _, s := range all {
		if s.GroupKey == "" {
			continue
		}
		g, ok := groups[s.GroupKey]
		if !ok {
			g = &DTSGroup{Key: s.GroupKey}
			groups[s.GroupKey] = g
		}
		if s.IsDTSReference {
			if g.Reference != nil {
				bad[s.GroupKey] = true
			}
			g.Reference = s
		} else {
			g.Members = append(g.Members, s)
		}
	}
	for key, g := range groups {
		if g.Reference == nil {
			bad[key] = true
		}
	}
	kept = make([]*Source, 0, len(all))
	for _, s := range all {
		if s.GroupKey != "" && bad[s.GroupKey] {
			continue
		}
		kept = append(kept, s)
	}
	for key := range bad {
		log.Printf("source: dropping dts group %s: reference facility missing or duplicated", key)
		delete(groups, key)
		dropped = append(dropped, key)
	}
	sort.Strings(dropped)
	return kept, groups, dropped
}
