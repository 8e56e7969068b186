package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DefaultCookieName = "bims.sid"
	DefaultTable      = "user_sessions"
)

// Record is a row of the express-session store table.
type Record struct {
	SID    string         `gorm:"column:sid;primaryKey"`
	Sess   datatypes.JSON `gorm:"column:sess;not null"`
	Expire time.Time      `gorm:"column:expire;not null"`
}

type sessionData struct {
	User *Identity `json:"user"`
}

// SQLGate authenticates requests against sessions written by an
// express-session compatible store: a signed cookie naming a row whose
// sess document carries the user.
type SQLGate struct {
	db         *gorm.DB
	tableName  string
	cookieName string
	secret     []byte
	now        func() time.Time
}

func NewSQLGate(db *gorm.DB, tableName, cookieName, secret string) *SQLGate {
	if tableName == "" {
		tableName = DefaultTable
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &SQLGate{
		db:         db,
		tableName:  tableName,
		cookieName: cookieName,
		secret:     []byte(secret),
		now:        time.Now,
	}
}

func (g *SQLGate) CurrentIdentity(r *http.Request) (*Identity, error) {
	cookie, err := r.Cookie(g.cookieName)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	sid, err := Unsign(cookie.Value, g.secret)
	if err != nil {
		return nil, err
	}

	var records []Record
	err = g.db.WithContext(r.Context()).
		Table(g.tableName).
		Where("sid = ? AND expire > ?", sid, g.now()).
		Limit(1).
		Find(&records).Error
	if err != nil {
		log.Errorf("Failed to load session: %v", err)
		return nil, errors.Wrap(err, "loading session")
	}
	if len(records) == 0 {
		return nil, ErrUnauthenticated
	}
	var data sessionData
	if err := json.Unmarshal(records[0].Sess, &data); err != nil {
		return nil, errors.Wrap(ErrUnauthenticated, "malformed session")
	}
	if data.User == nil || data.User.UserID == 0 {
		return nil, ErrUnauthenticated
	}
	return data.User, nil
}

// Sign produces the cookie value express-session sets for sid.
func Sign(sid string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(sid))
	sig := strings.TrimRight(base64.StdEncoding.EncodeToString(mac.Sum(nil)), "=")
	return "s:" + sid + "." + sig
}

// Unsign checks a signed cookie value and returns the session id.
func Unsign(value string, secret []byte) (string, error) {
	if unescaped, err := url.QueryUnescape(value); err == nil {
		value = unescaped
	}
	if !strings.HasPrefix(value, "s:") {
		return "", errors.Wrap(ErrUnauthenticated, "unsigned cookie")
	}
	dot := strings.LastIndex(value, ".")
	if dot < 2 {
		return "", errors.Wrap(ErrUnauthenticated, "malformed cookie")
	}
	sid := value[2:dot]
	if !hmac.Equal([]byte(Sign(sid, secret)), []byte(value)) {
		return "", errors.Wrap(ErrUnauthenticated, "bad cookie signature")
	}
	return sid, nil
}
