package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
)

const requestTimeout = 30 * time.Second

// Client is a CalDAV client bound to one account's credentials. Every
// account gets its own instance with its own http.Client; a shared client
// could race two accounts' requests onto the wrong credentials.
type Client struct {
	baseURL    string
	httpClient *http.Client
	client     *caldav.Client
}

// NewClient creates a client for the given endpoint and credentials.
// insecureTLS disables certificate verification; it is a user trust
// decision, never a retry fallback.
func NewClient(baseURL, username, password string, insecureTLS bool) (*Client, error) {
	transport := http.DefaultTransport
	if insecureTLS {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	httpClient := &http.Client{
		Transport: &basicAuthTransport{
			username: username,
			password: password,
			next:     transport,
		},
		Timeout: requestTimeout,
	}

	client, err := caldav.NewClient(httpClient, baseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to CalDAV: %w", err)
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		client:     client,
	}, nil
}

// basicAuthTransport adds Basic Auth to HTTP requests
type basicAuthTransport struct {
	username string
	password string
	next     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return t.next.RoundTrip(req)
}

// FindPrincipal resolves the current user's principal URL.
func (c *Client) FindPrincipal(ctx context.Context) (string, error) {
	principal, err := c.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", classify(err)
	}
	return principal, nil
}

// FindCalendarHomeSet resolves the calendar-home URL for a principal.
func (c *Client) FindCalendarHomeSet(ctx context.Context, principal string) (string, error) {
	homeSet, err := c.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", classify(err)
	}
	return homeSet, nil
}

// ListCalendars returns the collections under a calendar home, enriched
// with the color and access props the webdav client does not request.
func (c *Client) ListCalendars(ctx context.Context, homeSet string) ([]CalendarInfo, error) {
	cals, err := c.client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, classify(err)
	}
	details := c.fetchCalendarDetails(ctx, homeSet)

	var result []CalendarInfo
	for _, cal := range cals {
		supportsEvents := len(cal.SupportedComponentSet) == 0
		for _, comp := range cal.SupportedComponentSet {
			if comp == ical.CompEvent {
				supportsEvents = true
				break
			}
		}
		if !supportsEvents {
			continue
		}
		info := CalendarInfo{
			URL:         cal.Path,
			DisplayName: cal.Name,
			Description: cal.Description,
		}
		if d, ok := details[hrefPath(cal.Path)]; ok {
			info.Color = d.color
			info.ReadOnly = d.readOnly
		}
		result = append(result, info)
	}
	return result, nil
}

// ListObjects queries the calendar for VEVENT resources in [from, to).
// Objects that fail to parse are skipped and reported via the second
// return value so the caller can log them without aborting the pull.
func (c *Client) ListObjects(ctx context.Context, calendarURL string, from, to time.Time) ([]*RemoteObject, []error, error) {
	query := &caldav.CalendarQuery{
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{
				{
					Name:  ical.CompEvent,
					Start: from,
					End:   to,
				},
			},
		},
	}

	objects, err := c.client.QueryCalendar(ctx, calendarURL, query)
	if err != nil {
		return nil, nil, classify(err)
	}

	var result []*RemoteObject
	var parseErrs []error
	for i := range objects {
		obj, err := ParseObject(&objects[i])
		if err != nil {
			parseErrs = append(parseErrs, err)
			continue
		}
		result = append(result, obj)
	}
	return result, parseErrs, nil
}

// GetObject fetches a single calendar resource.
func (c *Client) GetObject(ctx context.Context, path string) (*RemoteObject, error) {
	obj, err := c.client.GetCalendarObject(ctx, path)
	if err != nil {
		return nil, classify(err)
	}
	return ParseObject(obj)
}

// PutObject uploads an event resource. A non-empty etag is sent as
// If-Match so a remote change since our last pull surfaces as a conflict;
// an empty etag sends If-None-Match: * so a create cannot clobber an
// existing resource. Returns the new ETag when the server provides one.
//
// The webdav client's Put has no conditional-header support, so the PUT
// goes through the same per-account http.Client directly.
func (c *Client) PutObject(ctx context.Context, path string, master RemoteEvent, overrides []RemoteEvent, etag string) (string, error) {
	cal := EncodeObject(master, overrides)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", &Error{Kind: KindParse, Err: fmt.Errorf("encode calendar: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.resolve(path), &buf)
	if err != nil {
		return "", classify(err)
	}
	req.Header.Set("Content-Type", ical.MIMEType)
	if etag != "" {
		req.Header.Set("If-Match", etag)
	} else {
		req.Header.Set("If-None-Match", "*")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return "", classifyStatus(resp.StatusCode, fmt.Errorf("PUT %s", path))
	}
	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

// DeleteObject removes a resource, conditionally when an etag is known.
func (c *Client) DeleteObject(ctx context.Context, path, etag string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.resolve(path), nil)
	if err != nil {
		return classify(err)
	}
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return classifyStatus(resp.StatusCode, fmt.Errorf("DELETE %s", path))
	}
	return nil
}

// ctagMultistatus is the minimal PROPFIND response shape for getctag.
type ctagMultistatus struct {
	XMLName   xml.Name `xml:"DAV: multistatus"`
	Responses []struct {
		Href     string `xml:"href"`
		Propstat []struct {
			Prop struct {
				CTag string `xml:"http://calendarserver.org/ns/ getctag"`
			} `xml:"prop"`
			Status string `xml:"status"`
		} `xml:"propstat"`
	} `xml:"response"`
}

const ctagPropfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:prop><cs:getctag/></d:prop>
</d:propfind>`

// GetCTag fetches the collection's change tag. The webdav client does not
// expose the calendarserver getctag property, so this is a raw Depth: 0
// PROPFIND.
func (c *Client) GetCTag(ctx context.Context, calendarURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", c.resolve(calendarURL), strings.NewReader(ctagPropfindBody))
	if err != nil {
		return "", classify(err)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return "", classifyStatus(resp.StatusCode, fmt.Errorf("PROPFIND %s", calendarURL))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classify(err)
	}

	var ms ctagMultistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return "", &Error{Kind: KindParse, Err: fmt.Errorf("parse PROPFIND response: %w", err)}
	}

	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			if ps.Prop.CTag != "" {
				return ps.Prop.CTag, nil
			}
		}
	}
	return "", nil
}

// calendarDetails holds per-collection props outside the webdav client's
// vocabulary: the Apple color extension and the user's privilege set.
type calendarDetails struct {
	color    string
	readOnly bool
}

type detailsMultistatus struct {
	XMLName   xml.Name `xml:"DAV: multistatus"`
	Responses []struct {
		Href     string `xml:"href"`
		Propstat []struct {
			Prop struct {
				Color      string `xml:"http://apple.com/ns/ical/ calendar-color"`
				Privileges []struct {
					All          *struct{} `xml:"DAV: all"`
					Write        *struct{} `xml:"DAV: write"`
					WriteContent *struct{} `xml:"DAV: write-content"`
					Bind         *struct{} `xml:"DAV: bind"`
				} `xml:"current-user-privilege-set>privilege"`
			} `xml:"prop"`
			Status string `xml:"status"`
		} `xml:"propstat"`
	} `xml:"response"`
}

const detailsPropfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:ic="http://apple.com/ns/ical/">
  <d:prop><ic:calendar-color/><d:current-user-privilege-set/></d:prop>
</d:propfind>`

// fetchCalendarDetails runs a Depth: 1 PROPFIND over the home set for
// color and privileges, keyed by collection path. Best effort: a server
// without these props just leaves the defaults, so any failure only
// disables the enrichment.
func (c *Client) fetchCalendarDetails(ctx context.Context, homeSet string) map[string]calendarDetails {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", c.resolve(homeSet), strings.NewReader(detailsPropfindBody))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("Calendar props PROPFIND %s: %v", homeSet, err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		log.Printf("Calendar props PROPFIND %s: HTTP %d", homeSet, resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}
	var ms detailsMultistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		log.Printf("Calendar props PROPFIND %s: %v", homeSet, err)
		return nil
	}

	details := make(map[string]calendarDetails, len(ms.Responses))
	for _, r := range ms.Responses {
		var d calendarDetails
		for _, ps := range r.Propstat {
			if ps.Prop.Color != "" {
				d.color = strings.TrimSpace(ps.Prop.Color)
			}
			if len(ps.Prop.Privileges) > 0 {
				// A reported privilege set without any write grant means
				// the collection is read-only for this user. An absent set
				// keeps the writable default.
				writable := false
				for _, p := range ps.Prop.Privileges {
					if p.All != nil || p.Write != nil || p.WriteContent != nil || p.Bind != nil {
						writable = true
						break
					}
				}
				d.readOnly = !writable
			}
		}
		details[hrefPath(r.Href)] = d
	}
	return details
}

// hrefPath normalizes a multistatus href for lookup: absolute hrefs are
// reduced to their path and trailing slashes dropped.
func hrefPath(href string) string {
	if u, err := url.Parse(strings.TrimSpace(href)); err == nil && u.Path != "" {
		href = u.Path
	}
	return strings.TrimSuffix(href, "/")
}

// resolve turns a server path into an absolute URL against the base.
func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	base := strings.TrimSuffix(c.baseURL, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// ObjectPath derives the resource path for an event UID inside a
// collection, the conventional <calendar>/<uid>.ics layout.
func ObjectPath(calendarURL, uid string) string {
	if !strings.HasSuffix(calendarURL, "/") {
		calendarURL += "/"
	}
	return calendarURL + uid + ".ics"
}
