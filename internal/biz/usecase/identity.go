package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/errors"
	"github.com/exastris/exastris/internal/logger"
)

// IdentityUsecase keeps the registry of known servers and users
type IdentityUsecase struct {
	store        repo.DocumentStore
	defaultLevel domain.Level
	locks        *keyedMutex
	now          func() time.Time
	log          *zap.SugaredLogger

	mu      sync.RWMutex
	servers map[string]domain.Server // by address:port
	users   map[string]domain.User   // by username@hostname
}

// NewIdentityUsecase creates an identity registry; new users start at defaultLevel
func NewIdentityUsecase(store repo.DocumentStore, defaultLevel domain.Level) *IdentityUsecase {
	return &IdentityUsecase{
		store:        store,
		defaultLevel: defaultLevel,
		locks:        newKeyedMutex(),
		now:          time.Now,
		log:          logger.Named("identity"),
		servers:      make(map[string]domain.Server),
		users:        make(map[string]domain.User),
	}
}

func setServerID(s *domain.Server, id string) { s.ID = id }
func setUserID(u *domain.User, id string)     { u.ID = id }

// LoadServers seeds the store with defaults when it holds no servers, otherwise
// reconciles every stored server against the current schema.
func (uc *IdentityUsecase) LoadServers(ctx context.Context, defaults []domain.Server) ([]domain.Server, error) {
	q := repo.Query{Datatype: domain.DatatypeServer}
	n, err := uc.store.Count(ctx, q)
	if err != nil {
		return nil, errors.MarkTransient(errors.Wrap(err, "failed to count servers"))
	}

	if n == 0 {
		uc.log.Infow("No servers stored, inserting defaults", "count", len(defaults))
		for _, def := range defaults {
			if _, err := uc.SaveServer(ctx, def, domain.SystemOrigin); err != nil {
				return nil, err
			}
		}
		return uc.Servers(), nil
	}

	stored, err := findAll(ctx, uc.store, q, setServerID)
	if err != nil {
		return nil, err
	}
	for _, s := range stored {
		if _, err := uc.SaveServer(ctx, s, domain.SystemOrigin); err != nil {
			return nil, err
		}
	}
	uc.log.Infow("Servers loaded", "count", len(stored))
	return uc.Servers(), nil
}

// LoadUsers caches stored users, inserting admin first when the store holds none
func (uc *IdentityUsecase) LoadUsers(ctx context.Context, admin *domain.User) error {
	q := repo.Query{Datatype: domain.DatatypeUser}
	n, err := uc.store.Count(ctx, q)
	if err != nil {
		return errors.MarkTransient(errors.Wrap(err, "failed to count users"))
	}
	if n == 0 && admin != nil {
		uc.log.Infow("No users stored, inserting default admin", "nickname", admin.Nickname)
		if _, err := uc.SaveUser(ctx, *admin, domain.SystemOrigin); err != nil {
			return err
		}
	}

	users, err := findAll(ctx, uc.store, q, setUserID)
	if err != nil {
		return err
	}
	uc.mu.Lock()
	for _, u := range users {
		uc.users[u.Identifier()] = u
	}
	uc.mu.Unlock()
	uc.log.Infow("Users loaded", "count", len(users))
	return nil
}

// LoadStored caches every stored server and user as is, without writing to the store
func (uc *IdentityUsecase) LoadStored(ctx context.Context) error {
	servers, err := findAll(ctx, uc.store, repo.Query{Datatype: domain.DatatypeServer}, setServerID)
	if err != nil {
		return err
	}
	users, err := findAll(ctx, uc.store, repo.Query{Datatype: domain.DatatypeUser}, setUserID)
	if err != nil {
		return err
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()
	for _, s := range servers {
		uc.servers[s.Identifier()] = s
	}
	for _, u := range users {
		uc.users[u.Identifier()] = u
	}
	return nil
}

// SaveServer reconciles incoming with the stored server and writes only when it changed
func (uc *IdentityUsecase) SaveServer(ctx context.Context, incoming domain.Server, origin domain.Origin) (domain.Server, error) {
	id := incoming.Identifier()
	unlock := uc.locks.Lock("server:" + id)
	defer unlock()

	q := repo.Query{
		Datatype: domain.DatatypeServer,
		Where:    []repo.Condition{repo.Eq("address", incoming.Address), repo.Eq("port", incoming.Port)},
	}
	existing, found, err := findOne(ctx, uc.store, q, setServerID)
	if err != nil {
		return incoming, err
	}
	var prev *domain.Server
	if found {
		prev = &existing
	}

	merged, changed, err := domain.Reconcile(prev, incoming, domain.ServerDefaults)
	if err != nil {
		return incoming, err
	}
	if changed {
		if prev != nil {
			uc.log.Debugw("Server changed", "server", id, "diff", domain.Diff(existing, merged))
		}
		merged.Provenance.Touch(origin, uc.now())
		newID, err := save(ctx, uc.store, domain.DatatypeServer, merged.ID, merged)
		if err != nil {
			return incoming, err
		}
		merged.ID = newID
	}

	uc.mu.Lock()
	uc.servers[merged.Identifier()] = merged
	uc.mu.Unlock()
	return merged, nil
}

// Server returns a cached server by address:port
func (uc *IdentityUsecase) Server(id string) (domain.Server, bool) {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	s, ok := uc.servers[id]
	return s, ok
}

// Servers returns the cached servers sorted by identifier
func (uc *IdentityUsecase) Servers() []domain.Server {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	out := make([]domain.Server, 0, len(uc.servers))
	for _, s := range uc.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier() < out[j].Identifier() })
	return out
}

// SetChannel updates one channel of a server, creating it if missing
func (uc *IdentityUsecase) SetChannel(ctx context.Context, serverID, channel string, mutate func(*domain.Channel), origin domain.Origin) (domain.Server, error) {
	server, ok := uc.Server(serverID)
	if !ok {
		return domain.Server{}, errors.NotFoundf("I don't know the server %s.", serverID)
	}

	incoming := server.Clone()
	name := domain.NormalizeChannel(channel)
	ch, exists := incoming.Channels[name]
	if !exists {
		ch = domain.NewChannel(name, domain.NewProvenance(origin, uc.now()))
	}
	mutate(&ch)
	incoming.Channels[name] = ch
	return uc.SaveServer(ctx, incoming, origin)
}

// SaveUser reconciles incoming with the stored user and writes only when it changed
func (uc *IdentityUsecase) SaveUser(ctx context.Context, incoming domain.User, origin domain.Origin) (domain.User, error) {
	unlock := uc.locks.Lock("user:" + incoming.Identifier())
	defer unlock()

	existing, found, err := uc.findUser(ctx, incoming.Nickname, incoming.Username, incoming.Hostname)
	if err != nil {
		return incoming, err
	}
	var prev *domain.User
	if found {
		prev = &existing
	}
	return uc.commitUser(ctx, prev, incoming, origin)
}

// ObserveUser returns the user a message came from, creating it on first sight.
// A changed nickname is reconciled into the stored record.
func (uc *IdentityUsecase) ObserveUser(ctx context.Context, nickname, username, hostname string) (domain.User, error) {
	key := domain.UserIdentifier(username, hostname)
	uc.mu.RLock()
	cached, ok := uc.users[key]
	uc.mu.RUnlock()
	if ok && cached.Nickname == nickname {
		return cached, nil
	}

	unlock := uc.locks.Lock("user:" + key)
	defer unlock()

	existing, found, err := uc.findUser(ctx, nickname, username, hostname)
	if err != nil {
		return domain.User{}, err
	}

	if !found {
		u := domain.User{
			Nickname:   nickname,
			Username:   username,
			Hostname:   hostname,
			Level:      uc.defaultLevel,
			Provenance: domain.NewProvenance(domain.SystemOrigin, uc.now()),
		}
		uc.log.Infow("New user observed", "nickname", nickname, "user", key, "level", u.Level)
		return uc.commitUser(ctx, nil, u, domain.SystemOrigin)
	}

	incoming := existing
	incoming.Nickname = nickname
	incoming.Username = username
	incoming.Hostname = hostname
	return uc.commitUser(ctx, &existing, incoming, domain.SystemOrigin)
}

// findUser matches on nickname or on username+hostname. A record found only by
// nickname is adopted when it has no username of its own; otherwise the exact
// username+hostname match wins.
func (uc *IdentityUsecase) findUser(ctx context.Context, nickname, username, hostname string) (domain.User, bool, error) {
	var groups [][]repo.Condition
	if username != "" {
		groups = append(groups, []repo.Condition{repo.Eq("username", username), repo.Eq("hostname", hostname)})
	}
	if nickname != "" {
		groups = append(groups, []repo.Condition{repo.Eq("nickname", nickname)})
	}
	if len(groups) == 0 {
		return domain.User{}, false, nil
	}

	users, err := findAll(ctx, uc.store, repo.Query{Datatype: domain.DatatypeUser, AnyOf: groups}, setUserID)
	if err != nil {
		return domain.User{}, false, err
	}

	var byNick *domain.User
	for i := range users {
		u := users[i]
		if username != "" && u.Username == username && u.Hostname == hostname {
			return u, true, nil
		}
		if byNick == nil && u.Nickname == nickname && (u.Username == "" || username == "") {
			byNick = &users[i]
		}
	}
	if byNick != nil {
		return *byNick, true, nil
	}
	return domain.User{}, false, nil
}

func (uc *IdentityUsecase) commitUser(ctx context.Context, prev *domain.User, incoming domain.User, origin domain.Origin) (domain.User, error) {
	merged, changed, err := domain.Reconcile(prev, incoming, domain.UserDefaults)
	if err != nil {
		return incoming, err
	}
	if changed {
		merged.Provenance.Touch(origin, uc.now())
		id, err := save(ctx, uc.store, domain.DatatypeUser, merged.ID, merged)
		if err != nil {
			return incoming, err
		}
		merged.ID = id
	}

	uc.mu.Lock()
	if prev != nil && prev.Identifier() != merged.Identifier() {
		delete(uc.users, prev.Identifier())
	}
	uc.users[merged.Identifier()] = merged
	uc.mu.Unlock()
	return merged, nil
}

// SetLevel changes a known user's authorization level
func (uc *IdentityUsecase) SetLevel(ctx context.Context, nickname string, level domain.Level, origin domain.Origin) (domain.User, error) {
	existing, found, err := uc.findUser(ctx, nickname, "", "")
	if err != nil {
		return domain.User{}, err
	}
	if !found {
		return domain.User{}, errors.NotFoundf("I don't know anyone called %s.", nickname)
	}
	incoming := existing
	incoming.Level = level
	return uc.SaveUser(ctx, incoming, origin)
}
