// Package libcal is a minimal LibCal "Spaces" client based on the request
// flow the booking portal's own frontend uses: availability comes from the
// grid endpoint, bookings go through a two-step add + checkout submit.
package libcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Typed portal errors. The driver adapter maps these onto the scheduler's
// outcome classification, so getting the split right here is what keeps
// permanent failures from being retried forever.
var (
	ErrSlotTaken  = errors.New("slot already taken")
	ErrAuthFailed = errors.New("portal authentication failed")
	ErrInvalid    = errors.New("portal rejected the request")
	ErrTransient  = errors.New("portal temporarily unavailable")
)

type Options struct {
	BaseURL string
	LID     int
	GID     int
	EID     int

	// RatePerSec throttles all portal calls; the portal bans aggressive
	// clients, and the original frontend paces its grid requests too.
	RatePerSec float64

	HTTPClient *http.Client
}

type Client struct {
	base    string
	lid     int
	gid     int
	eid     int
	hc      *http.Client
	limiter *rate.Limiter
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	rps := opts.RatePerSec
	if rps <= 0 {
		rps = 2
	}
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		lid:     opts.LID,
		gid:     opts.GID,
		eid:     opts.EID,
		hc:      hc,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

const (
	StatusAvailable   = "AVAILABLE"
	StatusUnavailable = "UNAVAILABLE"
)

// StatusFromClassName derives slot availability from the grid cell's CSS
// class. Booked and in-checkout cells carry "unavailable"/"checkout" classes.
func StatusFromClassName(className string) string {
	cn := strings.ToLower(className)
	if strings.Contains(cn, "unavailable") || strings.Contains(cn, "checkout") {
		return StatusUnavailable
	}
	return StatusAvailable
}

type Slot struct {
	ItemID    int64  `json:"itemId"` // seat id
	Start     string `json:"start"`  // "YYYY-MM-DD HH:MM:SS"
	End       string `json:"end"`
	ClassName string `json:"className"`
	Checksum  string `json:"checksum"`
}

type gridResponse struct {
	Slots []Slot `json:"slots"`
}

// FetchGrid returns the availability slots between two dates (end exclusive,
// portal convention). seatID 0 asks for the whole zone, which is how seats
// are discovered: every slot carries its seat's itemId.
func (c *Client) FetchGrid(ctx context.Context, seatID int64, startDate, endDate string) ([]Slot, error) {
	form := url.Values{
		"lid":       {strconv.Itoa(c.lid)},
		"gid":       {strconv.Itoa(c.gid)},
		"eid":       {strconv.Itoa(c.eid)},
		"zone":      {"0"},
		"start":     {startDate},
		"end":       {endDate},
		"pageIndex": {"0"},
		"pageSize":  {"200"},
	}
	referer := c.base + "/spaces"
	if seatID > 0 {
		form.Set("seat", "true")
		form.Set("seatId", strconv.FormatInt(seatID, 10))
		referer = fmt.Sprintf("%s/seat/%d", c.base, seatID)
	}
	status, body, err := c.postForm(ctx, "/spaces/availability/grid", form, referer)
	if err != nil {
		return nil, err
	}
	if err := classifyStatus(status, body); err != nil {
		return nil, err
	}
	var res gridResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: grid response not understood", ErrTransient)
	}
	return res.Slots, nil
}

type Profile struct {
	FirstName     string
	LastName      string
	Email         string
	Phone         string
	StudentNumber string
}

func (p Profile) Validate() error {
	missing := []string{}
	if p.FirstName == "" {
		missing = append(missing, "first_name")
	}
	if p.LastName == "" {
		missing = append(missing, "last_name")
	}
	if p.Email == "" {
		missing = append(missing, "email")
	}
	if p.Phone == "" {
		missing = append(missing, "phone")
	}
	if p.StudentNumber == "" {
		missing = append(missing, "student_number")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing profile fields: %s", ErrInvalid, strings.Join(missing, ", "))
	}
	return nil
}

type addResponse struct {
	BookID   string `json:"bookId"`
	HTML     string `json:"html"`
	ErrorMsg string `json:"errormsg"`
}

type bookResponse struct {
	BookID   string `json:"bookId"`
	HTML     string `json:"html"`
	ErrorMsg string `json:"errormsg"`
}

// BookSeat reserves one seat slot: verify the cell is still free in the grid,
// stage the booking, then submit the checkout form with the profile fields.
// Returns the portal's confirmation text.
func (c *Client) BookSeat(ctx context.Context, seatID int64, slotStart, slotEnd time.Time, prof Profile) (string, error) {
	if err := prof.Validate(); err != nil {
		return "", err
	}

	const dbTime = "2006-01-02 15:04:05"
	startDay := slotStart.Format("2006-01-02")
	endDay := slotStart.AddDate(0, 0, 1).Format("2006-01-02")

	slots, err := c.FetchGrid(ctx, seatID, startDay, endDay)
	if err != nil {
		return "", err
	}
	var target *Slot
	wantStart := slotStart.Format(dbTime)
	wantEnd := slotEnd.Format(dbTime)
	for i := range slots {
		if slots[i].Start == wantStart && slots[i].End == wantEnd {
			target = &slots[i]
			break
		}
	}
	if target == nil {
		return "", fmt.Errorf("%w: slot %s–%s not offered for seat %d", ErrInvalid, wantStart, wantEnd, seatID)
	}
	if StatusFromClassName(target.ClassName) != StatusAvailable {
		return "", ErrSlotTaken
	}

	// stage
	form := url.Values{
		"add[eid]":      {strconv.Itoa(c.eid)},
		"add[gid]":      {strconv.Itoa(c.gid)},
		"add[lid]":      {strconv.Itoa(c.lid)},
		"add[seat_id]":  {strconv.FormatInt(seatID, 10)},
		"add[start]":    {target.Start},
		"add[end]":      {target.End},
		"add[checksum]": {target.Checksum},
	}
	status, body, err := c.postForm(ctx, "/spaces/availability/booking/add", form, fmt.Sprintf("%s/seat/%d", c.base, seatID))
	if err != nil {
		return "", err
	}
	if err := classifyStatus(status, body); err != nil {
		return "", err
	}
	var add addResponse
	if err := json.Unmarshal(body, &add); err != nil {
		return "", fmt.Errorf("%w: add response not understood", ErrTransient)
	}
	if msg := strings.TrimSpace(add.ErrorMsg); msg != "" {
		return "", classifyMessage(msg)
	}
	if add.BookID == "" {
		return "", fmt.Errorf("%w: no booking id returned", ErrTransient)
	}

	// submit checkout form
	form = url.Values{
		"session":  {add.BookID},
		"fname":    {prof.FirstName},
		"lname":    {prof.LastName},
		"email":    {prof.Email},
		"q1":       {prof.Phone},
		"q2":       {prof.StudentNumber},
		"bookings": {fmt.Sprintf(`[{"id":%d,"start":"%s","end":"%s","checksum":"%s"}]`, seatID, target.Start, target.End, target.Checksum)},
	}
	status, body, err = c.postForm(ctx, "/ajax/space/book", form, c.base+"/spaces")
	if err != nil {
		return "", err
	}
	if err := classifyStatus(status, body); err != nil {
		return "", err
	}
	var book bookResponse
	if err := json.Unmarshal(body, &book); err != nil {
		return "", fmt.Errorf("%w: booking response not understood", ErrTransient)
	}
	if msg := strings.TrimSpace(book.ErrorMsg); msg != "" {
		return "", classifyMessage(msg)
	}
	conf := extractConfirmation(book.HTML)
	if conf == "" {
		conf = fmt.Sprintf("booked seat %d %s–%s", seatID, target.Start, target.End)
	}
	return conf, nil
}

// CheckIn submits a reservation check-in code.
func (c *Client) CheckIn(ctx context.Context, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("%w: empty check-in code", ErrInvalid)
	}
	form := url.Values{"code": {code}}
	status, body, err := c.postForm(ctx, "/r/checkin", form, c.base+"/r/checkin")
	if err != nil {
		return "", err
	}
	if err := classifyStatus(status, body); err != nil {
		return "", err
	}
	text := strings.ToLower(string(body))
	switch {
	case strings.Contains(text, "checked in"), strings.Contains(text, "success"):
		return "checked in with code " + code, nil
	case strings.Contains(text, "invalid"), strings.Contains(text, "not found"):
		return "", fmt.Errorf("%w: check-in code rejected", ErrInvalid)
	case strings.Contains(text, "expired"):
		return "", fmt.Errorf("%w: check-in code expired", ErrInvalid)
	}
	return "", fmt.Errorf("%w: no check-in confirmation in response", ErrTransient)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, referer string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; seat-scheduler/1.0)")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Origin", c.base)
	req.Header.Set("Referer", referer)

	res, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return res.StatusCode, nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return res.StatusCode, body, nil
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthFailed
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited (status=429)", ErrTransient)
	case status >= 500:
		return fmt.Errorf("%w: portal error (status=%d)", ErrTransient, status)
	case status >= 400:
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("%w: status=%d %s", ErrInvalid, status, msg)
	}
	return nil
}

// classifyMessage maps the portal's in-band error strings. LibCal reports a
// lost race for a slot with "in use" / "no longer available" wording.
func classifyMessage(msg string) error {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "no longer available"),
		strings.Contains(m, "in use"),
		strings.Contains(m, "already booked"):
		return ErrSlotTaken
	case strings.Contains(m, "log in"), strings.Contains(m, "session expired"):
		return ErrAuthFailed
	case strings.Contains(m, "try again"):
		return fmt.Errorf("%w: %s", ErrTransient, msg)
	}
	return fmt.Errorf("%w: %s", ErrInvalid, msg)
}

func extractConfirmation(html string) string {
	text := strings.ToLower(html)
	for _, marker := range []string{"booking confirmed", "confirmed", "success"} {
		if strings.Contains(text, marker) {
			return strings.TrimSpace(stripTags(html))
		}
	}
	return ""
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
