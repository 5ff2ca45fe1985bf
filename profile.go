package barter

import (
	"strings"
	"time"
)

// Defaults for a freshly created profile
const (
	DefaultRating      = 5.0
	DefaultTotalTrades = 0
)

// Profile is the application level user record stored at users/{uid}.
type Profile struct {
	UID            string         `json:"uid"`
	Email          string         `json:"email"`
	FullName       string         `json:"fullName"`
	Username       string         `json:"username"`
	RegistrationNo string         `json:"registrationNo"`
	PhoneNumber    string         `json:"phoneNumber"`
	ProfilePicture string         `json:"profilePicture"`
	Rating         float64        `json:"rating"`
	TotalTrades    int            `json:"totalTrades"`
	CreatedAt      time.Time      `json:"createdAt,omitzero"`
	UpdatedAt      time.Time      `json:"updatedAt,omitzero"`
	Extra          map[string]any `json:"extra,omitempty"` // fields written by clients beyond the above
}

// SignupData is the caller supplied part of a new profile.
type SignupData struct {
	FullName       string `json:"fullName,omitempty"`
	Username       string `json:"username,omitempty"`
	RegistrationNo string `json:"registrationNo,omitempty"`
	PhoneNumber    string `json:"phoneNumber,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// NewProfile synthesizes the profile of an identity seen for the first time.  The identity's
// display name and photo win over extra; rating and trade count always start at their defaults.
func NewProfile(id *Identity, extra SignupData) *Profile {
	p := &Profile{
		UID:            id.UID,
		Email:          id.Email,
		FullName:       firstNonEmpty(id.DisplayName, extra.FullName),
		Username:       extra.Username,
		RegistrationNo: extra.RegistrationNo,
		PhoneNumber:    extra.PhoneNumber,
		ProfilePicture: firstNonEmpty(id.PhotoURL, extra.ProfilePicture),
		Rating:         DefaultRating,
		TotalTrades:    DefaultTotalTrades,
	}
	if p.Username == "" {
		p.Username = UsernameFromEmail(id.Email, id.UID)
	}
	return p
}

// UsernameFromEmail returns the local part of email.  Identities without an email (possible
// with some external providers) get "user-" and a uid prefix instead.
func UsernameFromEmail(email, uid string) string {
	if local, _, ok := strings.Cut(email, "@"); ok && local != "" {
		return local
	}
	if email != "" && !strings.Contains(email, "@") {
		return email
	}
	if len(uid) > 8 {
		uid = uid[:8]
	}
	return "user-" + uid
}

var profileFields = map[string]bool{
	"uid": true, "email": true, "fullName": true, "username": true, "registrationNo": true,
	"phoneNumber": true, "profilePicture": true, "rating": true, "totalTrades": true,
}

// ToData returns the document attributes of p (timestamps excluded).
func (p *Profile) ToData() map[string]any {
	out := make(map[string]any, len(profileFields)+len(p.Extra))
	for k, v := range p.Extra {
		out[k] = v
	}
	out["uid"] = p.UID
	out["email"] = p.Email
	out["fullName"] = p.FullName
	out["username"] = p.Username
	out["registrationNo"] = p.RegistrationNo
	out["phoneNumber"] = p.PhoneNumber
	out["profilePicture"] = p.ProfilePicture
	out["rating"] = p.Rating
	out["totalTrades"] = p.TotalTrades
	return out
}

// Apply merges fields into p the way a document merge-patch would.
func (p *Profile) Apply(fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "uid":
			p.UID = asString(v)
		case "email":
			p.Email = asString(v)
		case "fullName":
			p.FullName = asString(v)
		case "username":
			p.Username = asString(v)
		case "registrationNo":
			p.RegistrationNo = asString(v)
		case "phoneNumber":
			p.PhoneNumber = asString(v)
		case "profilePicture":
			p.ProfilePicture = asString(v)
		case "rating":
			if f, ok := normalize(v); ok {
				if n, ok := f.(float64); ok {
					p.Rating = n
				}
			}
		case "totalTrades":
			if f, ok := normalize(v); ok {
				if n, ok := f.(float64); ok {
					p.TotalTrades = int(n)
				}
			}
		case FieldCreatedAt, FieldUpdatedAt, "id":
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[k] = v
		}
	}
}

// Clone returns a deep enough copy for handing out of a Session.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Extra != nil {
		cp.Extra = make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}

// ProfileFromDocument decodes a users document.
func ProfileFromDocument(doc *Document) *Profile {
	p := &Profile{CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt}
	p.Apply(doc.Data)
	if p.UID == "" {
		p.UID = doc.ID
	}
	return p
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
