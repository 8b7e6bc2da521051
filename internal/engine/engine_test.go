package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"servline/internal/config"
	"servline/internal/db"
	"servline/internal/domain"
	"servline/internal/engine"
	"servline/internal/engine/auth"
	"servline/internal/migrate"
	"servline/internal/repo"
)

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Manager  domain.Employee
	Worker   domain.Employee
	Worker2  domain.Employee
	Client   domain.Client
	Firewall domain.Service
	clock    time.Time
}

func init() {
	auth.HashCost = 4
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{Ctx: context.Background(), clock: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default())
	// every call advances one minute so assignment order is deterministic
	eng.Now = func() time.Time {
		env.clock = env.clock.Add(time.Minute)
		return env.clock
	}
	env.Engine = eng

	env.Manager = env.mustEmployee(t, "Jerry Seinfeld", "jerry@example.com", "whats_the_deal", domain.RoleManager)
	env.Worker = env.mustEmployee(t, "George Costanza", "george@example.com", "in_the_pool", domain.RoleWorker)
	env.Worker2 = env.mustEmployee(t, "Elaine Benes", "elaine@example.com", "", domain.RoleWorker)
	env.Client, err = eng.CreateClient(env.Ctx, engine.ClientCreateOptions{
		Name: "MEGACORP", Address: "1 Corporate Way", Email: "it@megacorp.test", ManagedBy: env.Manager.ID, ActorID: env.Manager.ID,
	})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	if _, err := eng.ImportCatalog(env.Ctx, config.Default().Catalog, env.Manager.ID); err != nil {
		t.Fatalf("import catalog: %v", err)
	}
	services, err := eng.ListServices(env.Ctx)
	if err != nil {
		t.Fatalf("list services: %v", err)
	}
	for _, s := range services {
		if s.Name == "Firewall Endpoint" {
			env.Firewall = s
		}
	}
	if env.Firewall.ID == 0 {
		t.Fatalf("firewall service missing from catalog")
	}
	return env
}

func (env *testEnv) mustEmployee(t *testing.T, name, email, password string, role domain.Role) domain.Employee {
	t.Helper()
	emp, err := env.Engine.CreateEmployee(env.Ctx, engine.EmployeeCreateOptions{Name: name, Email: email, Password: password, Role: role})
	if err != nil {
		t.Fatalf("create employee %s: %v", email, err)
	}
	return emp
}

func (env *testEnv) newFirewallImplementation(t *testing.T) engine.ImplementationDetail {
	t.Helper()
	impl, err := env.Engine.CreateImplementation(env.Ctx, engine.ImplementationCreateOptions{
		ServiceID: env.Firewall.ID, ClientID: env.Client.ID, Notes: "rack 4", ActorID: env.Manager.ID,
	})
	if err != nil {
		t.Fatalf("create implementation: %v", err)
	}
	return impl
}

func taskByStep(t *testing.T, impl engine.ImplementationDetail, step string) domain.TaskView {
	t.Helper()
	for _, tv := range impl.Tasks {
		if tv.StepName == step {
			return tv
		}
	}
	t.Fatalf("no task for step %s", step)
	return domain.TaskView{}
}

func containsTask(list []domain.TaskView, id int64) bool {
	for _, tv := range list {
		if tv.ID == id {
			return true
		}
	}
	return false
}

func TestCreateImplementationCreatesOneTaskPerStep(t *testing.T) {
	env := newTestEnv(t)
	impl := env.newFirewallImplementation(t)
	if len(impl.Tasks) != len(env.Firewall.Steps) || len(impl.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(impl.Tasks))
	}
	seen := map[int64]bool{}
	for _, tv := range impl.Tasks {
		if tv.ImplementationID != impl.ID {
			t.Fatalf("task %d bound to implementation %d", tv.ID, tv.ImplementationID)
		}
		if seen[tv.StepID] {
			t.Fatalf("step %d has two tasks", tv.StepID)
		}
		seen[tv.StepID] = true
	}
	if impl.TotalTasks != 3 || impl.CompletedTasks != 0 {
		t.Fatalf("unexpected counts %d/%d", impl.CompletedTasks, impl.TotalTasks)
	}
	if impl.Identifier() != "Firewall Endpoint 1: MEGACORP" {
		t.Fatalf("identifier = %q", impl.Identifier())
	}
}

func TestCreateImplementationRequiresOwningManager(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateImplementation(env.Ctx, engine.ImplementationCreateOptions{
		ServiceID: env.Firewall.ID, ClientID: env.Client.ID, ActorID: env.Worker.ID,
	})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden for worker, got %v", err)
	}
	other := env.mustEmployee(t, "Kramer", "kramer@example.com", "giddyup", domain.RoleManager)
	_, err = env.Engine.CreateImplementation(env.Ctx, engine.ImplementationCreateOptions{
		ServiceID: env.Firewall.ID, ClientID: env.Client.ID, ActorID: other.ID,
	})
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden for other manager, got %v", err)
	}
	_, err = env.Engine.CreateImplementation(env.Ctx, engine.ImplementationCreateOptions{
		ServiceID: 999, ClientID: env.Client.ID, ActorID: env.Manager.ID,
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown service, got %v", err)
	}
	list, err := env.Engine.ListImplementations(env.Ctx, env.Manager.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("failed creations must not leave implementations, got %d", len(list))
	}
}

func TestFirewallBlockingChain(t *testing.T) {
	env := newTestEnv(t)
	impl := env.newFirewallImplementation(t)
	order := taskByStep(t, impl, "Order Firewall Hardware")
	configure := taskByStep(t, impl, "Configure Firewall")
	ship := taskByStep(t, impl, "Ship Firewall")

	if !order.Ready || configure.Ready || ship.Ready {
		t.Fatalf("unexpected readiness order=%v configure=%v ship=%v", order.Ready, configure.Ready, ship.Ready)
	}
	r, err := env.Engine.TaskReadiness(env.Ctx, configure.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.Ready || r.BlockerTaskID == nil || *r.BlockerTaskID != order.ID || r.BlockerStepName != "Order Firewall Hardware" {
		t.Fatalf("unexpected readiness %+v", r)
	}
	unassigned, err := env.Engine.UnassignedTasks(env.Ctx, env.Worker)
	if err != nil {
		t.Fatal(err)
	}
	if containsTask(unassigned, configure.ID) || !containsTask(unassigned, order.ID) {
		t.Fatalf("worker unassigned view should hold only ready tasks")
	}

	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: configure.ID, ActorID: env.Worker.ID}); !errors.Is(err, engine.ErrTaskBlocked) {
		t.Fatalf("expected blocked completion, got %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: order.ID, ActorID: env.Worker.ID}); err != nil {
		t.Fatalf("complete order: %v", err)
	}
	r, err = env.Engine.TaskReadiness(env.Ctx, configure.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Ready {
		t.Fatalf("configure should be ready once order is completed")
	}
	// one hop only: ship still waits on configure
	r, err = env.Engine.TaskReadiness(env.Ctx, ship.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.Ready {
		t.Fatalf("ship must stay blocked by configure")
	}
	unassigned, err = env.Engine.UnassignedTasks(env.Ctx, env.Worker)
	if err != nil {
		t.Fatal(err)
	}
	if !containsTask(unassigned, configure.ID) || containsTask(unassigned, order.ID) {
		t.Fatalf("configure should now be assignable and order gone")
	}
}

func TestManagerUnassignedViewIncludesBlockedTasks(t *testing.T) {
	env := newTestEnv(t)
	impl := env.newFirewallImplementation(t)
	list, err := env.Engine.UnassignedTasks(env.Ctx, env.Manager)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("manager should see all 3 unassigned tasks, got %d", len(list))
	}
	if !containsTask(list, taskByStep(t, impl, "Ship Firewall").ID) {
		t.Fatalf("blocked task missing from manager view")
	}
}

func TestStepAddedLaterIsReady(t *testing.T) {
	env := newTestEnv(t)
	impl := env.newFirewallImplementation(t)
	ship := taskByStep(t, impl, "Ship Firewall")
	audit, err := env.Engine.AddStep(env.Ctx, engine.StepCreateOptions{ServiceID: env.Firewall.ID, Name: "Audit", ActorID: env.Manager.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetStepBlocker(env.Ctx, ship.StepID, audit.ID, env.Manager.ID); err != nil {
		t.Fatal(err)
	}
	r, err := env.Engine.TaskReadiness(env.Ctx, ship.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Ready {
		t.Fatalf("task whose blocker step has no sibling task should be ready")
	}
	view, err := env.Engine.Repo.GetTaskView(env.Ctx, ship.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !view.Ready {
		t.Fatalf("sql readiness disagrees with engine readiness")
	}
}

func TestSelfAssignMovesTaskBetweenViews(t *testing.T) {
	env := newTestEnv(t)
	impl := env.newFirewallImplementation(t)
	order := taskByStep(t, impl, "Order Firewall Hardware")

	assigned, err := env.Engine.AssignedTasks(env.Ctx, env.Worker)
	if err != nil {
		t.Fatal(err)
	}
	if len(assigned) != 0 {
		t.Fatalf("worker should start with no assigned task")
	}
	if _, err := env.Engine.AssignTask(env.Ctx, engine.AssignOptions{TaskID: order.ID, WorkerID: env.Worker.ID, ActorID: env.Worker.ID}); err != nil {
		t.Fatalf("self assign: %v", err)
	}
	dash, err := env.Engine.Dashboard(env.Ctx, env.Worker)
	if err != nil {
		t.Fatal(err)
	}
	if containsTask(dash.Unassigned, order.ID) {
		t.Fatalf("assigned task still listed as unassigned")
	}
	if len(dash.Assigned) != 1 || dash.Assigned[0].ID != order.ID {
		t.Fatalf("expected task %d as the assigned task, got %+v", order.ID, dash.Assigned)
	}
}

func TestWorkerCannotAssignOthers(t *testing.T) {
	env := newTestEnv(t)
	impl := env.newFirewallImplementation(t)
	order := taskByStep(t, impl, "Order Firewall Hardware")
	_, err := env.Engine.AssignTask(env.Ctx, engine.AssignOptions{TaskID: order.ID, WorkerID: env.Worker2.ID, ActorID: env.Worker.ID})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = env.Engine.AssignTask(env.Ctx, engine.AssignOptions{TaskID: order.ID, WorkerID: env.Manager.ID, ActorID: env.Manager.ID})
	var verr engine.ValidationError
	if !errors.As(err, &verr) || verr.Fields["worker_id"] == "" {
		t.Fatalf("expected validation error for manager assignee, got %v", err)
	}
}

func TestReassignmentKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	impl := env.newFirewallImplementation(t)
	order := taskByStep(t, impl, "Order Firewall Hardware")
	if _, err := env.Engine.AssignTask(env.Ctx, engine.AssignOptions{TaskID: order.ID, WorkerID: env.Worker.ID, ActorID: env.Manager.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignTask(env.Ctx, engine.AssignOptions{TaskID: order.ID, WorkerID: env.Worker2.ID, ActorID: env.Manager.ID}); err != nil {
		t.Fatal(err)
	}
	history, err := env.Engine.TaskAssignments(env.Ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 assignment rows, got %d", len(history))
	}
	cur, err := env.Engine.CurrentAssignee(env.Ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.AssignedTo != env.Worker2.ID {
		t.Fatalf("current assignee = %d, want %d", cur.AssignedTo, env.Worker2.ID)
	}
	georgeView, err := env.Engine.AssignedTasks(env.Ctx, env.Worker)
	if err != nil {
		t.Fatal(err)
	}
	if len(georgeView) != 0 {
		t.Fatalf("previous assignee should no longer see the task")
	}
	managerView, err := env.Engine.AssignedTasks(env.Ctx, env.Manager)
	if err != nil {
		t.Fatal(err)
	}
	if len(managerView) != 1 || managerView[0].AssigneeName != "Elaine Benes" {
		t.Fatalf("unexpected manager view %+v", managerView)
	}
}

func TestWorkerSeesEarliestAssignedTaskOnly(t *testing.T) {
	env := newTestEnv(t)
	first := env.newFirewallImplementation(t)
	second := env.newFirewallImplementation(t)
	a := taskByStep(t, first, "Order Firewall Hardware")
	b := taskByStep(t, second, "Order Firewall Hardware")
	for _, id := range []int64{a.ID, b.ID} {
		if _, err := env.Engine.AssignTask(env.Ctx, engine.AssignOptions{TaskID: id, WorkerID: env.Worker.ID, ActorID: env.Worker.ID}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := env.Engine.AssignedTasks(env.Ctx, env.Worker)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("expected only task %d, got %+v", a.ID, list)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: a.ID, ActorID: env.Worker.ID}); err != nil {
		t.Fatal(err)
	}
	list, err = env.Engine.AssignedTasks(env.Ctx, env.Worker)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != b.ID {
		t.Fatalf("expected task %d after completing %d, got %+v", b.ID, a.ID, list)
	}
}

func TestQualificationCheck(t *testing.T) {
	env := newTestEnv(t)
	impl := env.newFirewallImplementation(t)
	order := taskByStep(t, impl, "Order Firewall Hardware")

	if _, err := env.Engine.AssignTask(env.Ctx, engine.AssignOptions{TaskID: order.ID, WorkerID: env.Worker.ID, ActorID: env.Manager.ID}); err != nil {
		t.Fatalf("unqualified assignment allowed by default: %v", err)
	}
	strict := env.Engine
	cfg := *config.Default()
	cfg.Tasks.RequireQualification = true
	strict.Config = &cfg
	_, err := strict.AssignTask(env.Ctx, engine.AssignOptions{TaskID: order.ID, WorkerID: env.Worker2.ID, ActorID: env.Manager.ID})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected qualification error, got %v", err)
	}
	if err := env.Engine.SetWorkerServices(env.Ctx, env.Worker2.ID, []int64{env.Firewall.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := strict.AssignTask(env.Ctx, engine.AssignOptions{TaskID: order.ID, WorkerID: env.Worker2.ID, ActorID: env.Manager.ID}); err != nil {
		t.Fatalf("qualified assignment: %v", err)
	}
}

func TestInformationRequestLifecycle(t *testing.T) {
	env := newTestEnv(t)
	impl := env.newFirewallImplementation(t)
	order := taskByStep(t, impl, "Order Firewall Hardware")

	req, err := env.Engine.RequestInformation(env.Ctx, engine.RequestOptions{TaskID: order.ID, WorkerID: env.Worker.ID, Info: "Which vendor?"})
	if err != nil {
		t.Fatalf("request info: %v", err)
	}
	if req.AssignedTo != env.Manager.ID {
		t.Fatalf("request routed to %d, want manager %d", req.AssignedTo, env.Manager.ID)
	}
	open, err := env.Engine.OpenRequests(env.Ctx, env.Manager.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].RequesterName != "George Costanza" {
		t.Fatalf("unexpected open requests %+v", open)
	}
	view, err := env.Engine.Repo.GetTaskView(env.Ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.OpenRequests != 1 {
		t.Fatalf("open request count = %d", view.OpenRequests)
	}

	other := env.mustEmployee(t, "Kramer", "kramer@example.com", "giddyup", domain.RoleManager)
	_, err = env.Engine.ResolveRequest(env.Ctx, engine.ResolveOptions{RequestID: req.ID, ManagerID: other.ID, Reply: "no"})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden for other manager, got %v", err)
	}
	resolved, err := env.Engine.ResolveRequest(env.Ctx, engine.ResolveOptions{RequestID: req.ID, ManagerID: env.Manager.ID, Reply: "Vendor A"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.CompletedOn == nil || resolved.CompletedInfo == nil || *resolved.CompletedInfo != "Vendor A" {
		t.Fatalf("resolution not recorded: %+v", resolved)
	}
	open, err = env.Engine.OpenRequests(env.Ctx, env.Manager.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("resolved request still open")
	}
	if _, err := env.Engine.ResolveRequest(env.Ctx, engine.ResolveOptions{RequestID: req.ID, ManagerID: env.Manager.ID, Reply: "again"}); !errors.Is(err, engine.ErrRequestClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	thread, err := env.Engine.TaskRequests(env.Ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(thread) != 1 || thread[0].Open() {
		t.Fatalf("unexpected task thread %+v", thread)
	}
}

func TestRequestInformationValidation(t *testing.T) {
	env := newTestEnv(t)
	impl := env.newFirewallImplementation(t)
	order := taskByStep(t, impl, "Order Firewall Hardware")
	_, err := env.Engine.RequestInformation(env.Ctx, engine.RequestOptions{TaskID: order.ID, WorkerID: env.Worker.ID, Info: "   "})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = env.Engine.RequestInformation(env.Ctx, engine.RequestOptions{TaskID: order.ID, WorkerID: env.Manager.ID, Info: "?"})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden for manager requester, got %v", err)
	}
	orphan, err := env.Engine.CreateClient(env.Ctx, engine.ClientCreateOptions{Name: "Eatery", Email: "owner@eatery.test"})
	if err != nil {
		t.Fatal(err)
	}
	if orphan.ManagedBy != nil {
		t.Fatalf("client should have no manager")
	}
}

func TestCompleteTaskRestamps(t *testing.T) {
	env := newTestEnv(t)
	impl := env.newFirewallImplementation(t)
	order := taskByStep(t, impl, "Order Firewall Hardware")
	first, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: order.ID, ActorID: env.Worker.ID})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: order.ID, ActorID: env.Worker.ID})
	if err != nil {
		t.Fatalf("second completion should succeed: %v", err)
	}
	if *second.CompletedOn <= *first.CompletedOn {
		t.Fatalf("expected re-stamp, first=%s second=%s", *first.CompletedOn, *second.CompletedOn)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: "task.completed", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].Payload != `{"implementation_id":1,"restamped":true}` {
		t.Fatalf("unexpected event %+v", evts)
	}
	done, err := env.Engine.CompletedTasks(env.Ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 || done[0].ID != order.ID {
		t.Fatalf("unexpected completed view %+v", done)
	}
	if _, err := env.Engine.AssignTask(env.Ctx, engine.AssignOptions{TaskID: order.ID, WorkerID: env.Worker.ID, ActorID: env.Worker.ID}); !errors.Is(err, engine.ErrTaskCompleted) {
		t.Fatalf("expected completed-task error, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	emp, err := env.Engine.Authenticate(env.Ctx, "GEORGE@example.com", "in_the_pool")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if emp.ID != env.Worker.ID || emp.Role != domain.RoleWorker {
		t.Fatalf("unexpected employee %+v", emp)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "george@example.com", "wrong"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "nobody@example.com", "in_the_pool"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}
	// no password set
	if _, err := env.Engine.Authenticate(env.Ctx, "elaine@example.com", "x"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for account without password, got %v", err)
	}
	_, err = env.Engine.Authenticate(env.Ctx, "", "")
	var verr engine.ValidationError
	if !errors.As(err, &verr) || verr.Fields["email"] == "" || verr.Fields["password"] == "" {
		t.Fatalf("expected field errors, got %v", err)
	}
	if err := env.Engine.SetPassword(env.Ctx, env.Worker2.ID, "puddy"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "elaine@example.com", "puddy"); err != nil {
		t.Fatalf("authenticate after set password: %v", err)
	}
}

func TestPasswordsAreHashed(t *testing.T) {
	env := newTestEnv(t)
	emp, err := env.Engine.Repo.GetEmployee(env.Ctx, env.Worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if emp.PasswordHash == "" || emp.PasswordHash == "in_the_pool" {
		t.Fatalf("password stored in clear: %q", emp.PasswordHash)
	}
}

func TestStepBlockerRules(t *testing.T) {
	env := newTestEnv(t)
	var ids = map[string]int64{}
	for _, st := range env.Firewall.Steps {
		ids[st.Name] = st.ID
	}
	_, err := env.Engine.SetStepBlocker(env.Ctx, ids["Order Firewall Hardware"], ids["Ship Firewall"], env.Manager.ID)
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
	services, err := env.Engine.ListServices(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	var foreign int64
	for _, s := range services {
		if s.ID != env.Firewall.ID && len(s.Steps) > 0 {
			foreign = s.Steps[0].ID
		}
	}
	_, err = env.Engine.AddStep(env.Ctx, engine.StepCreateOptions{ServiceID: env.Firewall.ID, Name: "Audit", BlockedBy: foreign})
	if !errors.As(err, &verr) {
		t.Fatalf("expected same-service rejection, got %v", err)
	}
}

func TestImportCatalogIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ImportCatalog(env.Ctx, config.Default().Catalog, env.Manager.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.ServicesCreated != 0 || res.ServicesUpdated != 2 || res.StepsCreated != 0 {
		t.Fatalf("unexpected import result %+v", res)
	}
	services, err := env.Engine.ListServices(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(services))
	}
}

func TestWorkerCannotSelfAssignBlockedTask(t *testing.T) {
	env := newTestEnv(t)
	impl := env.newFirewallImplementation(t)
	configure := taskByStep(t, impl, "Configure Firewall")

	_, err := env.Engine.AssignTask(env.Ctx, engine.AssignOptions{TaskID: configure.ID, WorkerID: env.Worker.ID, ActorID: env.Worker.ID})
	if !errors.Is(err, engine.ErrTaskBlocked) {
		t.Fatalf("expected blocked self assignment, got %v", err)
	}
	assigned, err := env.Engine.AssignedTasks(env.Ctx, env.Worker)
	if err != nil {
		t.Fatal(err)
	}
	if len(assigned) != 0 {
		t.Fatalf("blocked task leaked into the assigned view: %+v", assigned)
	}

	// managers may still queue blocked work
	if _, err := env.Engine.AssignTask(env.Ctx, engine.AssignOptions{TaskID: configure.ID, WorkerID: env.Worker.ID, ActorID: env.Manager.ID}); err != nil {
		t.Fatalf("manager assigning blocked task: %v", err)
	}
}

func TestConcurrentWritesOnOneTaskLastWriteWins(t *testing.T) {
	env := newTestEnv(t)
	impl := env.newFirewallImplementation(t)
	order := taskByStep(t, impl, "Order Firewall Hardware")

	var mu sync.Mutex
	clock := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	eng := env.Engine
	// the pause lands between each transaction's reads and its write
	eng.Now = func() time.Time {
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	}

	const n = 4
	workers := []domain.Employee{env.Worker, env.Worker2}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker domain.Employee) {
			defer wg.Done()
			_, err := eng.AssignTask(env.Ctx, engine.AssignOptions{TaskID: order.ID, WorkerID: worker.ID, ActorID: env.Manager.ID})
			errs <- err
		}(workers[i%2])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent assignment failed: %v", err)
		}
	}
	history, err := eng.TaskAssignments(env.Ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != n {
		t.Fatalf("expected %d assignment rows, got %d", n, len(history))
	}
	cur, err := eng.CurrentAssignee(env.Ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	latest := history[len(history)-1]
	if cur.ID != latest.ID {
		t.Fatalf("current assignee is assignment %d, want latest %d", cur.ID, latest.ID)
	}
	for _, a := range history[:len(history)-1] {
		if a.AssignedOn >= cur.AssignedOn {
			t.Fatalf("assignment %d at %s is not older than current %s", a.ID, a.AssignedOn, cur.AssignedOn)
		}
	}

	var stamps []string
	errs = make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done, err := eng.CompleteTask(env.Ctx, engine.CompleteOptions{TaskID: order.ID, ActorID: env.Worker.ID})
			if err == nil {
				mu.Lock()
				stamps = append(stamps, *done.CompletedOn)
				mu.Unlock()
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent completion failed: %v", err)
		}
	}
	last := ""
	for _, st := range stamps {
		if st > last {
			last = st
		}
	}
	task, err := eng.Repo.GetTask(env.Ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if task.CompletedOn == nil || *task.CompletedOn != last {
		t.Fatalf("completed_on = %v, want last stamp %s", task.CompletedOn, last)
	}
}
