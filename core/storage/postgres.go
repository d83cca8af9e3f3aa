package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/appwharf/appwharf/core/csql"
)

// Postgres is the postgres storage adapter. All tables live in the schema
// of the passed database.
type Postgres struct {
	db *csql.DB
}

var _ Storage = (*Postgres)(nil)
var _ Admin = (*Postgres)(nil)

// NewPostgres creates the postgres adapter. It creates the tables if they
// do not exist yet and panics when that fails, following the rule that a
// service without storage cannot start.
func NewPostgres(db *csql.DB) *Postgres {
	s := db.Schema
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + s + `."application"
(application_id varchar NOT NULL,
name varchar NOT NULL,
access_token varchar NOT NULL,
routes_prefix varchar NOT NULL DEFAULT '',
notify_fun varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(application_id),
UNIQUE(access_token)
);
CREATE table IF NOT EXISTS ` + s + `."object_type"
(application_id varchar NOT NULL,
name varchar NOT NULL,
route_pattern varchar NOT NULL DEFAULT '',
id_field varchar NOT NULL DEFAULT '',
id_fun varchar NOT NULL DEFAULT '',
proxy_fun varchar NOT NULL DEFAULT '',
schema_id varchar NOT NULL DEFAULT '',
position SERIAL,
PRIMARY KEY(application_id, name)
);
CREATE table IF NOT EXISTS ` + s + `."static_route"
(application_id varchar NOT NULL,
url varchar NOT NULL,
resource varchar NOT NULL,
id_fun varchar NOT NULL DEFAULT '',
PRIMARY KEY(application_id, url)
);
CREATE table IF NOT EXISTS ` + s + `."app_user"
(application_id varchar NOT NULL,
user_name varchar NOT NULL,
password varchar NOT NULL DEFAULT '',
access_token varchar NOT NULL,
groups json NOT NULL DEFAULT '[]',
resource varchar NOT NULL DEFAULT '',
resource_id varchar NOT NULL DEFAULT '',
PRIMARY KEY(application_id, user_name)
);
CREATE index IF NOT EXISTS app_user_access_token ON ` + s + `."app_user"(access_token);
CREATE table IF NOT EXISTS ` + s + `."event_callback"
(application_id varchar NOT NULL,
event_name varchar NOT NULL,
handler varchar NOT NULL,
is_enabled boolean NOT NULL DEFAULT true,
PRIMARY KEY(application_id, event_name)
);
CREATE table IF NOT EXISTS ` + s + `."object_instance"
(serial SERIAL,
application_id varchar NOT NULL,
object_type varchar NOT NULL,
properties json NOT NULL DEFAULT '{}',
created_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(serial)
);
CREATE index IF NOT EXISTS object_instance_type ON ` + s + `."object_instance"(application_id, object_type);
`)
	if err != nil {
		panic(err)
	}
	return &Postgres{db: db}
}

func (p *Postgres) readApplication(ctx context.Context, where string, arg interface{}) (*Application, error) {
	app := Application{}
	err := p.db.QueryRowContext(ctx,
		`SELECT application_id, name, access_token, routes_prefix, notify_fun FROM `+
			p.db.Schema+`."application" WHERE `+where+`;`, arg).
		Scan(&app.ID, &app.Name, &app.AccessToken, &app.RoutesPrefix, &app.NotifyFun)
	if err == csql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read application: %w", err)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT name, route_pattern, id_field, id_fun, proxy_fun, schema_id FROM `+
			p.db.Schema+`."object_type" WHERE application_id=$1 ORDER BY position;`, app.ID)
	if err != nil {
		return nil, fmt.Errorf("read object types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t ObjectType
		err = rows.Scan(&t.Name, &t.RoutePattern, &t.IDField, &t.IDFun, &t.ProxyFun, &t.SchemaID)
		if err != nil {
			return nil, fmt.Errorf("scan object type: %w", err)
		}
		app.ObjectTypes = append(app.ObjectTypes, t)
	}
	return &app, rows.Err()
}

// GetApplication returns the application with all of its object types.
func (p *Postgres) GetApplication(ctx context.Context, appID string) (*Application, error) {
	return p.readApplication(ctx, "application_id=$1", appID)
}

// GetAppByAccessToken returns the application owning the access token.
func (p *Postgres) GetAppByAccessToken(ctx context.Context, token string) (*Application, error) {
	return p.readApplication(ctx, "access_token=$1", token)
}

func (p *Postgres) scanUser(row *sql.Row) (*User, error) {
	var u User
	var groups []byte
	err := row.Scan(&u.UserName, &u.Password, &u.AccessToken, &groups, &u.Resource, &u.ResourceID)
	if err == csql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read user: %w", err)
	}
	if err = json.Unmarshal(groups, &u.Groups); err != nil {
		return nil, fmt.Errorf("decode user groups: %w", err)
	}
	return &u, nil
}

// GetUserByAccessToken returns the user owning the user token.
func (p *Postgres) GetUserByAccessToken(ctx context.Context, token string) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT user_name, password, access_token, groups, resource, resource_id FROM `+
			p.db.Schema+`."app_user" WHERE access_token=$1;`, token)
	return p.scanUser(row)
}

// GetUserByName returns the named user of the application.
func (p *Postgres) GetUserByName(ctx context.Context, appID, name string) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT user_name, password, access_token, groups, resource, resource_id FROM `+
			p.db.Schema+`."app_user" WHERE application_id=$1 AND user_name=$2;`, appID, name)
	return p.scanUser(row)
}

// GetStaticRoutes returns the static routes matching the literal URL.
func (p *Postgres) GetStaticRoutes(ctx context.Context, appID, url string) ([]StaticRoute, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT url, resource, id_fun FROM `+p.db.Schema+
			`."static_route" WHERE application_id=$1 AND url=$2;`, appID, url)
	if err != nil {
		return nil, fmt.Errorf("read static routes: %w", err)
	}
	defer rows.Close()
	var result []StaticRoute
	for rows.Next() {
		var route StaticRoute
		if err = rows.Scan(&route.URL, &route.Resource, &route.IDFun); err != nil {
			return nil, fmt.Errorf("scan static route: %w", err)
		}
		result = append(result, route)
	}
	return result, rows.Err()
}

func (p *Postgres) scanObjectType(row *sql.Row) (*ObjectType, error) {
	var t ObjectType
	err := row.Scan(&t.Name, &t.RoutePattern, &t.IDField, &t.IDFun, &t.ProxyFun, &t.SchemaID)
	if err == csql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object type: %w", err)
	}
	return &t, nil
}

// GetObjectTypeByRoute returns the object type whose explicit or derived
// route pattern matches.
func (p *Postgres) GetObjectTypeByRoute(ctx context.Context, appID, routePattern string) (*ObjectType, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT name, route_pattern, id_field, id_fun, proxy_fun, schema_id FROM `+
			p.db.Schema+`."object_type" WHERE application_id=$1 AND
(route_pattern=$2 OR (route_pattern='' AND '/'||name||'/{id}/'=$2)) ORDER BY position LIMIT 1;`,
		appID, routePattern)
	return p.scanObjectType(row)
}

// GetObjectType returns the object type with the given name.
func (p *Postgres) GetObjectType(ctx context.Context, appID, name string) (*ObjectType, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT name, route_pattern, id_field, id_fun, proxy_fun, schema_id FROM `+
			p.db.Schema+`."object_type" WHERE application_id=$1 AND name=$2;`, appID, name)
	return p.scanObjectType(row)
}

// GetObjectInstances returns the instances matching id, the whole
// collection for a nil id. Ordering is insertion order.
func (p *Postgres) GetObjectInstances(ctx context.Context, appID, typeName string, id *InstanceID) ([]Instance, error) {
	query := `SELECT properties FROM ` + p.db.Schema +
		`."object_instance" WHERE application_id=$1 AND object_type=$2`
	args := []interface{}{appID, typeName}
	if id != nil {
		query += ` AND properties->>$3=$4`
		args = append(args, id.FieldOrDefault(), id.Value)
	}
	query += ` ORDER BY serial;`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read instances: %w", err)
	}
	defer rows.Close()
	var result []Instance
	for rows.Next() {
		var properties []byte
		if err = rows.Scan(&properties); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		var instance Instance
		if err = json.Unmarshal(properties, &instance); err != nil {
			return nil, fmt.Errorf("decode instance: %w", err)
		}
		result = append(result, instance)
	}
	return result, rows.Err()
}

// AddObjectInstance persists a new instance. Instances without an
// identifying attribute get a storage-assigned id.
func (p *Postgres) AddObjectInstance(ctx context.Context, appID, typeName string, instance Instance) (Instance, error) {
	saved := cloneInstance(instance)
	if _, ok := saved[DefaultIDField]; !ok {
		saved[DefaultIDField] = uuid.New().String()
	}
	properties, err := json.Marshal(saved)
	if err != nil {
		return nil, fmt.Errorf("encode instance: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."object_instance"(application_id, object_type, properties) VALUES($1,$2,$3);`,
		appID, typeName, properties)
	if err != nil {
		return nil, fmt.Errorf("insert instance: %w", err)
	}
	return saved, nil
}

// SaveObjectInstance persists the instance under the resolved id, replacing
// an existing instance with the same identity.
func (p *Postgres) SaveObjectInstance(ctx context.Context, appID, typeName string, id *InstanceID, instance Instance) (Instance, error) {
	if id == nil {
		return p.AddObjectInstance(ctx, appID, typeName, instance)
	}
	saved := cloneInstance(instance)
	if _, ok := saved[id.FieldOrDefault()]; !ok {
		saved[id.FieldOrDefault()] = id.Value
	}
	properties, err := json.Marshal(saved)
	if err != nil {
		return nil, fmt.Errorf("encode instance: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE `+p.db.Schema+`."object_instance" SET properties=$1
WHERE application_id=$2 AND object_type=$3 AND properties->>$4=$5;`,
		properties, appID, typeName, id.FieldOrDefault(), id.Value)
	if err != nil {
		return nil, fmt.Errorf("update instance: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update instance: %w", err)
	}
	if count == 0 {
		_, err = p.db.ExecContext(ctx,
			`INSERT INTO `+p.db.Schema+`."object_instance"(application_id, object_type, properties) VALUES($1,$2,$3);`,
			appID, typeName, properties)
		if err != nil {
			return nil, fmt.Errorf("insert instance: %w", err)
		}
	}
	return saved, nil
}

// DeleteObjectInstance removes the instances matching id. Deleting an
// unknown id is a no-op.
func (p *Postgres) DeleteObjectInstance(ctx context.Context, appID, typeName string, id *InstanceID) error {
	query := `DELETE FROM ` + p.db.Schema + `."object_instance" WHERE application_id=$1 AND object_type=$2`
	args := []interface{}{appID, typeName}
	if id != nil {
		query += ` AND properties->>$3=$4`
		args = append(args, id.FieldOrDefault(), id.Value)
	}
	_, err := p.db.ExecContext(ctx, query+`;`, args...)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}

// GetEventCallbacks returns all event callbacks of the application.
func (p *Postgres) GetEventCallbacks(ctx context.Context, appID string) ([]EventCallback, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT event_name, handler, is_enabled FROM `+p.db.Schema+
			`."event_callback" WHERE application_id=$1;`, appID)
	if err != nil {
		return nil, fmt.Errorf("read event callbacks: %w", err)
	}
	defer rows.Close()
	var result []EventCallback
	for rows.Next() {
		var cb EventCallback
		if err = rows.Scan(&cb.EventName, &cb.Handler, &cb.IsEnabled); err != nil {
			return nil, fmt.Errorf("scan event callback: %w", err)
		}
		result = append(result, cb)
	}
	return result, rows.Err()
}

// CreateApplication registers a new application together with its object
// types. Missing id or access token are generated.
func (p *Postgres) CreateApplication(ctx context.Context, app *Application) (*Application, error) {
	created := cloneApplication(app)
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	if created.AccessToken == "" {
		created.AccessToken = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."application"(application_id, name, access_token, routes_prefix, notify_fun) VALUES($1,$2,$3,$4,$5);`,
		created.ID, created.Name, created.AccessToken, created.RoutesPrefix, created.NotifyFun)
	if err != nil {
		return nil, fmt.Errorf("insert application: %w", err)
	}
	for _, t := range created.ObjectTypes {
		if err = p.PutObjectType(ctx, created.ID, t); err != nil {
			return nil, err
		}
	}
	return created, nil
}

// DeleteApplication removes the application and everything it owns.
func (p *Postgres) DeleteApplication(ctx context.Context, appID string) error {
	for _, table := range []string{"object_instance", "object_type", "static_route", "app_user", "event_callback"} {
		_, err := p.db.ExecContext(ctx,
			`DELETE FROM `+p.db.Schema+`."`+table+`" WHERE application_id=$1;`, appID)
		if err != nil {
			return fmt.Errorf("delete application %s: %w", table, err)
		}
	}
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM `+p.db.Schema+`."application" WHERE application_id=$1;`, appID)
	if err != nil {
		return fmt.Errorf("delete application: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// RenewAccessToken replaces the application's access token. The old token
// is invalid as soon as this returns.
func (p *Postgres) RenewAccessToken(ctx context.Context, appID string) (string, error) {
	token := uuid.New().String()
	res, err := p.db.ExecContext(ctx,
		`UPDATE `+p.db.Schema+`."application" SET access_token=$1 WHERE application_id=$2;`,
		token, appID)
	if err != nil {
		return "", fmt.Errorf("renew access token: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if count == 0 {
		return "", ErrNotFound
	}
	return token, nil
}

// PutObjectType adds or replaces an object type.
func (p *Postgres) PutObjectType(ctx context.Context, appID string, t ObjectType) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."object_type"(application_id, name, route_pattern, id_field, id_fun, proxy_fun, schema_id)
VALUES($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (application_id, name) DO UPDATE SET route_pattern=$3, id_field=$4, id_fun=$5, proxy_fun=$6, schema_id=$7;`,
		appID, t.Name, t.RoutePattern, t.IDField, t.IDFun, t.ProxyFun, t.SchemaID)
	if err != nil {
		return fmt.Errorf("put object type: %w", err)
	}
	return nil
}

// DeleteObjectType removes the named object type.
func (p *Postgres) DeleteObjectType(ctx context.Context, appID, name string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM `+p.db.Schema+`."object_type" WHERE application_id=$1 AND name=$2;`, appID, name)
	if err != nil {
		return fmt.Errorf("delete object type: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// PutStaticRoute adds or replaces a static route.
func (p *Postgres) PutStaticRoute(ctx context.Context, appID string, route StaticRoute) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."static_route"(application_id, url, resource, id_fun)
VALUES($1,$2,$3,$4)
ON CONFLICT (application_id, url) DO UPDATE SET resource=$3, id_fun=$4;`,
		appID, route.URL, route.Resource, route.IDFun)
	if err != nil {
		return fmt.Errorf("put static route: %w", err)
	}
	return nil
}

// DeleteStaticRoute removes the static route for the literal URL.
func (p *Postgres) DeleteStaticRoute(ctx context.Context, appID, url string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM `+p.db.Schema+`."static_route" WHERE application_id=$1 AND url=$2;`, appID, url)
	if err != nil {
		return fmt.Errorf("delete static route: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// PutUser adds or replaces a user. A missing access token is generated.
func (p *Postgres) PutUser(ctx context.Context, appID string, u User) error {
	if u.AccessToken == "" {
		u.AccessToken = uuid.New().String()
	}
	groups, err := json.Marshal(u.Groups)
	if err != nil {
		return fmt.Errorf("encode user groups: %w", err)
	}
	if u.Groups == nil {
		groups = []byte("[]")
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."app_user"(application_id, user_name, password, access_token, groups, resource, resource_id)
VALUES($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (application_id, user_name) DO UPDATE SET password=$3, access_token=$4, groups=$5, resource=$6, resource_id=$7;`,
		appID, u.UserName, u.Password, u.AccessToken, groups, u.Resource, u.ResourceID)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// PutEventCallback adds or replaces an event callback.
func (p *Postgres) PutEventCallback(ctx context.Context, appID string, cb EventCallback) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."event_callback"(application_id, event_name, handler, is_enabled)
VALUES($1,$2,$3,$4)
ON CONFLICT (application_id, event_name) DO UPDATE SET handler=$3, is_enabled=$4;`,
		appID, cb.EventName, cb.Handler, cb.IsEnabled)
	if err != nil {
		return fmt.Errorf("put event callback: %w", err)
	}
	return nil
}

// DeleteEventCallback removes the callback for the event name.
func (p *Postgres) DeleteEventCallback(ctx context.Context, appID, eventName string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM `+p.db.Schema+`."event_callback" WHERE application_id=$1 AND event_name=$2;`, appID, eventName)
	if err != nil {
		return fmt.Errorf("delete event callback: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}
