package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"servline/internal/config"
	"servline/internal/db"
	"servline/internal/domain"
	"servline/internal/engine"
	"servline/internal/migrate"
	"servline/internal/repo"
)

// Workspace bundles an opened, migrated database with its config and engine.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open opens the workspace database, applies migrations and loads
// servline.yml, falling back to defaults when the file is absent.
func Open(ctx context.Context, dir string, logger *log.Logger) (*Workspace, error) {
	cfg, err := config.LoadOrDefault(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, cfg)
	eng.Logger = logger
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: eng}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// EnsureCatalog imports the configured catalog when no service exists yet.
func EnsureCatalog(ctx context.Context, eng engine.Engine) (bool, error) {
	services, err := eng.ListServices(ctx)
	if err != nil {
		return false, err
	}
	if len(services) > 0 || eng.Config == nil || len(eng.Config.Catalog.Services) == 0 {
		return false, nil
	}
	if _, err := eng.ImportCatalog(ctx, eng.Config.Catalog, 0); err != nil {
		return false, fmt.Errorf("import catalog: %w", err)
	}
	return true, nil
}

type seedEmployee struct {
	name, email, password string
	role                  domain.Role
	services              []string
}

var demoEmployees = []seedEmployee{
	{name: "George Costanza", email: "george@vandelay.test", password: "in_the_pool", role: domain.RoleWorker, services: []string{"IDS Endpoint", "Firewall Endpoint"}},
	{name: "Jerry Seinfeld", email: "jerry@vandelay.test", password: "whats_the_deal", role: domain.RoleManager},
	{name: "Elaine Benes", email: "elaine@vandelay.test", role: domain.RoleWorker, services: []string{"Firewall Endpoint"}},
}

var demoClients = []struct{ name, address, email string }{
	{name: "MEGACORP", address: "1 Corporate Plaza", email: "it@megacorp.test"},
	{name: "Eatery", address: "129 West 81st Street", email: "owner@eatery.test"},
}

// SeedResult reports what SeedDemo created.
type SeedResult struct {
	Employees int  `json:"employees"`
	Clients   int  `json:"clients"`
	Catalog   bool `json:"catalog"`
}

// SeedDemo loads the demo employees, clients and catalog into an empty
// workspace. It is a no-op when employees already exist.
func SeedDemo(ctx context.Context, eng engine.Engine) (SeedResult, error) {
	var res SeedResult
	existing, err := eng.ListEmployees(ctx, "")
	if err != nil {
		return res, err
	}
	if len(existing) > 0 {
		return res, nil
	}
	if res.Catalog, err = EnsureCatalog(ctx, eng); err != nil {
		return res, err
	}
	services, err := eng.ListServices(ctx)
	if err != nil {
		return res, err
	}
	serviceIDs := make(map[string]int64, len(services))
	for _, s := range services {
		serviceIDs[s.Name] = s.ID
	}
	var managerID int64
	for _, se := range demoEmployees {
		emp, err := eng.CreateEmployee(ctx, engine.EmployeeCreateOptions{Name: se.name, Email: se.email, Password: se.password, Role: se.role})
		if err != nil {
			return res, fmt.Errorf("seed employee %s: %w", se.email, err)
		}
		res.Employees++
		if emp.IsManager() && managerID == 0 {
			managerID = emp.ID
		}
		var ids []int64
		for _, name := range se.services {
			if id, ok := serviceIDs[name]; ok {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			if err := eng.SetWorkerServices(ctx, emp.ID, ids); err != nil {
				return res, fmt.Errorf("seed worker services for %s: %w", se.email, err)
			}
		}
	}
	for _, c := range demoClients {
		if _, err := eng.CreateClient(ctx, engine.ClientCreateOptions{Name: c.name, Address: c.address, Email: c.email, ManagedBy: managerID, ActorID: managerID}); err != nil {
			return res, fmt.Errorf("seed client %s: %w", c.name, err)
		}
		res.Clients++
	}
	return res, nil
}

// ResolveActor looks up the acting employee by email, as given with --as.
func ResolveActor(ctx context.Context, eng engine.Engine, email string) (domain.Employee, error) {
	if email == "" {
		return domain.Employee{}, errors.New("acting employee required; use --as <email>")
	}
	emp, err := eng.EmployeeByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Employee{}, fmt.Errorf("no employee with email %s", email)
	}
	return emp, err
}
