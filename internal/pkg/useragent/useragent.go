// Package useragent classifies User-Agent strings against an embedded
// signature database (PCRE patterns loaded from YAML).
package useragent

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"go.elara.ws/pcre"
	"gopkg.in/yaml.v3"
)

// UserAgent is the classification result for one User-Agent string.
type UserAgent struct {
	UserAgent string
	OS        string
	Browser   string
	Device    string
	Mobile    bool
	Tablet    bool
	Desktop   bool
	Bot       bool
}

// DeviceType returns the coarse device class used in analytics groupings.
func (u UserAgent) DeviceType() string {
	switch {
	case u.Bot:
		return "bot"
	case u.Tablet:
		return "tablet"
	case u.Mobile:
		return "mobile"
	default:
		return "desktop"
	}
}

//go:embed signatures/bots.yml
//go:embed signatures/browsers.yml
//go:embed signatures/oss.yml
//go:embed signatures/devices.yml
var signatureFiles embed.FS

// BrowserEntry matches a browser family
type BrowserEntry struct {
	Regex string `yaml:"regex"`
	Name  string `yaml:"name"`
}

// OSEntry matches an operating system
type OSEntry struct {
	Regex string `yaml:"regex"`
	Name  string `yaml:"name"`
}

// DeviceEntry matches a device class
type DeviceEntry struct {
	Regex  string `yaml:"regex"`
	Name   string `yaml:"name"`
	Device string `yaml:"device"` // mobile, tablet or desktop
}

// BotEntry matches a crawler or automated client
type BotEntry struct {
	Regex string `yaml:"regex"`
	Name  string `yaml:"name"`
}

// Compiled regex cache
type regexCache struct {
	compiled map[string]*pcre.Regexp
	mutex    sync.RWMutex
}

func newRegexCache() *regexCache {
	return &regexCache{
		compiled: make(map[string]*pcre.Regexp),
	}
}

func (rc *regexCache) get(pattern string) (*pcre.Regexp, error) {
	rc.mutex.RLock()
	if regex, exists := rc.compiled[pattern]; exists {
		rc.mutex.RUnlock()
		return regex, nil
	}
	rc.mutex.RUnlock()

	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	// Double-check pattern
	if regex, exists := rc.compiled[pattern]; exists {
		return regex, nil
	}

	regex, err := pcre.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	rc.compiled[pattern] = regex
	return regex, nil
}

var (
	parser *signatureParser
	once   sync.Once
)

type signatureParser struct {
	browsers []BrowserEntry
	oss      []OSEntry
	devices  []DeviceEntry
	bots     []BotEntry
	regexes  *regexCache
}

func getParser() *signatureParser {
	once.Do(func() {
		parser = &signatureParser{
			regexes: newRegexCache(),
		}

		if data, err := signatureFiles.ReadFile("signatures/browsers.yml"); err == nil {
			if err := yaml.Unmarshal(data, &parser.browsers); err != nil {
				fmt.Printf("Error parsing browsers.yml: %v\n", err)
			}
		}

		if data, err := signatureFiles.ReadFile("signatures/oss.yml"); err == nil {
			if err := yaml.Unmarshal(data, &parser.oss); err != nil {
				fmt.Printf("Error parsing oss.yml: %v\n", err)
			}
		}

		if data, err := signatureFiles.ReadFile("signatures/bots.yml"); err == nil {
			if err := yaml.Unmarshal(data, &parser.bots); err != nil {
				fmt.Printf("Error parsing bots.yml: %v\n", err)
			}
		}

		if data, err := signatureFiles.ReadFile("signatures/devices.yml"); err == nil {
			if err := yaml.Unmarshal(data, &parser.devices); err != nil {
				fmt.Printf("Error parsing devices.yml: %v\n", err)
			}
		}
	})
	return parser
}

func (p *signatureParser) parseBot(userAgent string) *BotEntry {
	for i := range p.bots {
		if regex, err := p.regexes.get(p.bots[i].Regex); err == nil {
			if regex.MatchString(userAgent) {
				return &p.bots[i]
			}
		}
	}
	return nil
}

func (p *signatureParser) parseBrowser(userAgent string) string {
	for _, entry := range p.browsers {
		if regex, err := p.regexes.get(entry.Regex); err == nil {
			if regex.MatchString(userAgent) {
				return entry.Name
			}
		}
	}
	return "Unknown"
}

func (p *signatureParser) parseOS(userAgent string) string {
	for _, entry := range p.oss {
		if regex, err := p.regexes.get(entry.Regex); err == nil {
			if regex.MatchString(userAgent) {
				return entry.Name
			}
		}
	}
	return "Unknown"
}

func (p *signatureParser) parseDevice(userAgent string) (string, bool, bool, bool) {
	for _, entry := range p.devices {
		if regex, err := p.regexes.get(entry.Regex); err == nil {
			if regex.MatchString(userAgent) {
				mobile := entry.Device == "mobile"
				tablet := entry.Device == "tablet"
				desktop := entry.Device == "desktop"
				return entry.Name, mobile, tablet, desktop
			}
		}
	}

	// Fallback detection based on common user agent markers
	ua := strings.ToLower(userAgent)

	// Tablet indicators first, they often contain "mobile" too
	if strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad") {
		return "Tablet", false, true, false
	}

	if strings.Contains(ua, "mobile") || strings.Contains(ua, "android") ||
		strings.Contains(ua, "iphone") || strings.Contains(ua, "ipod") ||
		strings.Contains(ua, "blackberry") || strings.Contains(ua, "windows phone") {
		return "Mobile", true, false, false
	}

	return "Desktop", false, false, true
}

// Parse classifies a User-Agent string. An empty string parses as an
// unknown desktop client, not a bot.
func Parse(userAgent string) UserAgent {
	parser := getParser()

	// Check for bots first
	if bot := parser.parseBot(userAgent); bot != nil {
		return UserAgent{
			UserAgent: userAgent,
			OS:        "Unknown",
			Browser:   bot.Name,
			Device:    "Bot",
			Bot:       true,
		}
	}

	browser := parser.parseBrowser(userAgent)
	os := parser.parseOS(userAgent)
	device, mobile, tablet, desktop := parser.parseDevice(userAgent)

	return UserAgent{
		UserAgent: userAgent,
		OS:        os,
		Browser:   browser,
		Device:    device,
		Mobile:    mobile,
		Tablet:    tablet,
		Desktop:   desktop,
		Bot:       false,
	}
}
