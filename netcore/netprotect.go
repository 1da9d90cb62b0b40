package netcore

import (
	"net"
	"sync"
	"time"
)

const (
	banThresholdPoints = 1000
	banDuration        = 24 * time.Hour
	decayPointsPerHour = 100.0
	logWindow          = 5 * time.Minute
)

type connectHit struct {
	ip net.IP
	at time.Time
}

type punishmentRecord struct {
	score       float64
	lastDecay   time.Time
	bannedUntil time.Time
}

// NetProtect guards accept() with the sliding-window connect-rate check
// and cumulative ban score from spec §4.D.4, grounded on the Hub's
// NetProtect::shouldAccept.
type NetProtect struct {
	mu sync.Mutex

	maxHosts int
	log      []connectHit

	// Whitelist holds CIDR ranges (the Hub's own NetProtect only ever
	// whitelists bare addresses; this module widens that to ranges per
	// SUPPLEMENTED FEATURES).
	Whitelist []net.IPNet

	punishment map[string]*punishmentRecord
}

// NewNetProtect returns a NetProtect sized for maxHosts concurrently
// tracked remotes.
func NewNetProtect(maxHosts int) *NetProtect {
	return &NetProtect{
		maxHosts:   maxHosts,
		log:        make([]connectHit, 0, maxHosts*4),
		punishment: make(map[string]*punishmentRecord),
	}
}

// AddWhitelistedRange whitelists a CIDR range. A bare IP should be passed
// with a /32 (v4) or /128 (v6) mask.
func (p *NetProtect) AddWhitelistedRange(n net.IPNet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Whitelist = append(p.Whitelist, n)
}

func (p *NetProtect) isWhitelisted(ip net.IP) bool {
	for _, n := range p.Whitelist {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ShouldAccept reports whether a new connection from ip at time now
// should be accepted, applying the loopback/whitelist bypass, the active
// ban, and the tiered connect-rate check.
func (p *NetProtect) ShouldAccept(ip net.IP, now time.Time) bool {
	if ip.IsLoopback() {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isWhitelisted(ip) {
		return true
	}

	if rec, ok := p.punishment[ip.String()]; ok && now.Before(rec.bannedUntil) {
		return false
	}

	var tier1, tier2, tier3 int
	cutoff := 0
	for i := len(p.log) - 1; i >= 0; i-- {
		h := p.log[i]
		diff := now.Sub(h.at)
		if diff > logWindow {
			cutoff = i + 1
			break
		}
		if h.ip.Equal(ip) {
			switch {
			case diff < 10*time.Second:
				tier1++
			case diff < 30*time.Second:
				tier2++
			case diff < 90*time.Second:
				tier3++
			}
		}
	}
	if cutoff > 0 {
		p.log = p.log[cutoff:]
	}

	ok := true
	if tier1 >= 1 {
		ok = tier1 == 1 && tier2 <= 1 && tier3 <= 2
	}
	if ok {
		p.log = append(p.log, connectHit{ip: ip, at: now})
	}
	return ok
}

// Punish adds punishment points to ip's score, decaying first, and bans
// the address for banDuration once the cumulative score reaches
// banThresholdPoints, per spec §4.D.4.
func (p *NetProtect) Punish(ip net.IP, points int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := ip.String()
	rec, ok := p.punishment[key]
	if !ok {
		rec = &punishmentRecord{lastDecay: now}
		p.punishment[key] = rec
	}
	p.decayLocked(rec, now)

	rec.score += float64(points)
	if rec.score >= banThresholdPoints {
		rec.bannedUntil = now.Add(banDuration)
	}
}

func (p *NetProtect) decayLocked(rec *punishmentRecord, now time.Time) {
	elapsed := now.Sub(rec.lastDecay)
	if elapsed <= 0 {
		return
	}
	rec.score -= decayPointsPerHour * elapsed.Hours()
	if rec.score < 0 {
		rec.score = 0
	}
	rec.lastDecay = now
}

// IsBanned reports whether ip is currently under an active ban.
func (p *NetProtect) IsBanned(ip net.IP, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.punishment[ip.String()]
	return ok && now.Before(rec.bannedUntil)
}
