package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"servline/internal/app"
	"servline/internal/config"
	"servline/internal/db"
	"servline/internal/domain"
	"servline/internal/engine"
	"servline/internal/engine/auth"
	"servline/internal/reminder"
	"servline/internal/repo"
	"servline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "svl",
	Short: "Servline CLI",
	Long: `Servline tracks the delivery of services to clients.
Core concepts:
- Workspace: a directory holding servline.yml and the .servline database.
- Employees: workers do tasks, managers own clients and create implementations.
- Services: what the company sells, broken into ordered steps. A step may be blocked by another step of the same service.
- Implementations: one service delivered to one client. Creating one creates a task per step.
- Tasks: a task is ready once the task for its blocking step is complete. Workers pick ready tasks and complete them.
- Information requests: questions a worker sends to the client's manager while working a task.
- Event log: every change is recorded, view it with 'svl log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if cost := viper.GetInt("bcrypt-cost"); cost > 0 {
			auth.HashCost = cost
		}
		return nil
	},
}

func main() {
	os.Exit(run())
}

func run() int {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func initConfig() {
	viper.SetEnvPrefix("SERVLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "email of the acting employee")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(employeeCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(workerServicesCmd())
	rootCmd.AddCommand(implementationCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(reminderCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create servline.yml and the database, and import the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				imported, err := app.EnsureCatalog(ctx, e)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"config": path, "catalog_imported": imported})
				}
				fmt.Printf("Initialized workspace (config %s)\n", path)
				if imported {
					fmt.Println("Imported the default service catalog")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing servline.yml")
	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load demo employees, clients and the catalog into an empty workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := app.SeedDemo(ctx, e)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Employees == 0 {
					fmt.Println("Workspace already has employees; nothing seeded")
					return nil
				}
				fmt.Printf("Seeded %d employees and %d clients\n", res.Employees, res.Clients)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web app and the JSON API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("session-secret")
			if strings.TrimSpace(secret) == "" {
				return errors.New("SERVLINE_SESSION_SECRET is required to sign sessions and tokens")
			}
			ctx := cmd.Context()
			logger := log.New(os.Stderr, "", log.LstdFlags)
			ws, err := app.Open(ctx, viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer ws.Close()
			if _, err := app.EnsureCatalog(ctx, ws.Engine); err != nil {
				return err
			}
			if addr == "" {
				addr = ws.Config.Addr()
			}
			if basePath == "" {
				basePath = ws.Config.BasePath()
			}
			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, Logger: logger},
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			reminders := reminder.New(ws.Engine, logger)
			if err := reminders.Start(ctx); err != nil {
				return err
			}
			defer reminders.Stop()
			hooks := server.StartWebhooks(ctx, ws.Engine, logger)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving servline on http://%s (API at %s, OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			if hooks != nil {
				<-hooks.Done()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

func employeeCmd() *cobra.Command {
	emp := &cobra.Command{Use: "employee", Short: "Manage employees"}
	emp.AddCommand(employeeCreateCmd())
	emp.AddCommand(employeeListCmd())
	emp.AddCommand(employeePasswdCmd())
	return emp
}

func employeeCreateCmd() *cobra.Command {
	var opts engine.EmployeeCreateOptions
	var role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an employee",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			opts.Role = r
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ActorID, err = optionalActor(ctx, e); err != nil {
					return err
				}
				created, err := e.CreateEmployee(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "full name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "login email")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password (empty disables login)")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleWorker), "worker or manager")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func employeeListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List employees",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r domain.Role
			if role != "" {
				var err error
				if r, err = domain.ParseRole(role); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEmployees(ctx, r)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.Name, it.Email, it.Role})
				}
				printTable(table.Row{"ID", "Name", "Email", "Role"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func employeePasswdCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Set an employee's password",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				emp, err := employeeByEmail(ctx, e, email)
				if err != nil {
					return err
				}
				if err := e.SetPassword(ctx, emp.ID, password); err != nil {
					return err
				}
				fmt.Printf("Password updated for %s\n", emp.Email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "employee email")
	cmd.Flags().StringVar(&password, "password", "", "new password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func clientCmd() *cobra.Command {
	c := &cobra.Command{Use: "client", Short: "Manage clients"}
	c.AddCommand(clientCreateCmd())
	c.AddCommand(clientListCmd())
	return c
}

func clientCreateCmd() *cobra.Command {
	var opts engine.ClientCreateOptions
	var manager string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a client managed by a manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := employeeByEmail(ctx, e, manager)
				if err != nil {
					return err
				}
				opts.ManagedBy = m.ID
				if opts.ActorID, err = optionalActor(ctx, e); err != nil {
					return err
				}
				created, err := e.CreateClient(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "client name")
	cmd.Flags().StringVar(&opts.Address, "address", "", "postal address")
	cmd.Flags().StringVar(&opts.Email, "email", "", "contact email")
	cmd.Flags().StringVar(&manager, "manager", "", "email of the managing employee")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("manager")
	return cmd
}

func clientListCmd() *cobra.Command {
	var manager string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var managedBy int64
				if manager != "" {
					m, err := employeeByEmail(ctx, e, manager)
					if err != nil {
						return err
					}
					managedBy = m.ID
				}
				items, err := e.ListClients(ctx, managedBy)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.Name, it.Email, it.Address})
				}
				printTable(table.Row{"ID", "Name", "Email", "Address"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&manager, "manager", "", "only clients of this manager (email)")
	return cmd
}

func serviceCmd() *cobra.Command {
	svc := &cobra.Command{Use: "service", Short: "Manage services and their steps"}
	svc.AddCommand(serviceCreateCmd())
	svc.AddCommand(serviceListCmd())
	svc.AddCommand(serviceShowCmd())
	step := &cobra.Command{Use: "step", Short: "Manage service steps"}
	step.AddCommand(stepAddCmd())
	step.AddCommand(stepBlockCmd())
	svc.AddCommand(step)
	return svc
}

func serviceCreateCmd() *cobra.Command {
	var opts engine.ServiceCreateOptions
	var unit string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TypicalTimeUnit = domain.TimeUnit(strings.ToUpper(unit))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var err error
				if opts.ActorID, err = optionalActor(ctx, e); err != nil {
					return err
				}
				created, err := e.CreateService(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "service name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.TypicalTime, "typical-time", 1, "typical duration")
	cmd.Flags().StringVar(&unit, "unit", "D", "unit of the typical duration (H, D or W)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func serviceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListServices(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.Name, fmt.Sprintf("%d%s", it.TypicalTime, it.TypicalTimeUnit), len(it.Steps)})
				}
				printTable(table.Row{"ID", "Name", "Typical", "Steps"}, rows)
				return nil
			})
		},
	}
}

func serviceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <service>",
		Short: "Show a service and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := resolveService(ctx, e, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				names := make(map[int64]string, len(s.Steps))
				for _, st := range s.Steps {
					names[st.ID] = st.Name
				}
				fmt.Printf("%s (%d%s)\n", s.Name, s.TypicalTime, s.TypicalTimeUnit)
				rows := make([]table.Row, 0, len(s.Steps))
				for _, st := range s.Steps {
					blocked := ""
					if st.BlockedBy != nil {
						blocked = names[*st.BlockedBy]
					}
					rows = append(rows, table.Row{st.ID, st.Name, blocked})
				}
				printTable(table.Row{"ID", "Step", "Blocked by"}, rows)
				return nil
			})
		},
	}
}

func stepAddCmd() *cobra.Command {
	var opts engine.StepCreateOptions
	var service string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a step to a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := resolveService(ctx, e, service)
				if err != nil {
					return err
				}
				opts.ServiceID = s.ID
				if opts.ActorID, err = optionalActor(ctx, e); err != nil {
					return err
				}
				st, err := e.AddStep(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service id or name")
	cmd.Flags().StringVar(&opts.Name, "name", "", "step name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().Int64Var(&opts.BlockedBy, "blocked-by", 0, "id of the blocking step")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func stepBlockCmd() *cobra.Command {
	var by int64
	cmd := &cobra.Command{
		Use:   "block <step-id>",
		Short: "Set or clear (--by 0) the blocker of a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID, err := optionalActor(ctx, e)
				if err != nil {
					return err
				}
				st, err := e.SetStepBlocker(ctx, id, by, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().Int64Var(&by, "by", 0, "id of the blocking step, 0 clears")
	return cmd
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Import the service catalog"}
	cat.AddCommand(catalogImportCmd())
	return cat
}

func catalogImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create or update services and steps from a YAML catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cat, err := config.CatalogFromYAML(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID, err := optionalActor(ctx, e)
				if err != nil {
					return err
				}
				res, err := e.ImportCatalog(ctx, cat, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Services: %d created, %d updated\nSteps: %d created, %d updated\n",
					res.ServicesCreated, res.ServicesUpdated, res.StepsCreated, res.StepsUpdated)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to a YAML file with a catalog section")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func workerServicesCmd() *cobra.Command {
	ws := &cobra.Command{Use: "worker-services", Short: "Manage which services a worker is qualified for"}
	ws.AddCommand(workerServicesSetCmd())
	ws.AddCommand(workerServicesShowCmd())
	return ws
}

func workerServicesSetCmd() *cobra.Command {
	var worker string
	var services []string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Replace a worker's qualifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := employeeByEmail(ctx, e, worker)
				if err != nil {
					return err
				}
				ids := make([]int64, 0, len(services))
				for _, s := range services {
					svc, err := resolveService(ctx, e, s)
					if err != nil {
						return err
					}
					ids = append(ids, svc.ID)
				}
				if err := e.SetWorkerServices(ctx, w.ID, ids); err != nil {
					return err
				}
				fmt.Printf("%s is qualified for %d services\n", w.Name, len(ids))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker email")
	cmd.Flags().StringArrayVar(&services, "service", []string{}, "service id or name (repeatable)")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func workerServicesShowCmd() *cobra.Command {
	var worker string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a worker's qualifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := employeeByEmail(ctx, e, worker)
				if err != nil {
					return err
				}
				ids, err := e.WorkerServices(ctx, w.ID)
				if err != nil {
					return err
				}
				services, err := e.ListServices(ctx)
				if err != nil {
					return err
				}
				qualified := make(map[int64]bool, len(ids))
				for _, id := range ids {
					qualified[id] = true
				}
				var items []domain.Service
				for _, s := range services {
					if qualified[s.ID] {
						s.Steps = nil
						items = append(items, s)
					}
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, s := range items {
					rows = append(rows, table.Row{s.ID, s.Name})
				}
				printTable(table.Row{"ID", "Service"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker email")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func implementationCmd() *cobra.Command {
	impl := &cobra.Command{
		Use:   "implementation",
		Short: "Manage implementations",
		Long:  "An implementation delivers one service to one client. Creating it creates one task per step of the service.",
	}
	impl.AddCommand(implementationCreateCmd())
	impl.AddCommand(implementationListCmd())
	impl.AddCommand(implementationShowCmd())
	return impl
}

func implementationCreateCmd() *cobra.Command {
	var service, client, notes string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an implementation for one of your clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Employee) error {
				s, err := resolveService(ctx, e, service)
				if err != nil {
					return err
				}
				c, err := resolveClient(ctx, e, client)
				if err != nil {
					return err
				}
				d, err := e.CreateImplementation(ctx, engine.ImplementationCreateOptions{
					ServiceID: s.ID,
					ClientID:  c.ID,
					Notes:     notes,
					ActorID:   actor.ID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Created %s\n", d.Identifier())
				printTasks(d.Tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service id or name")
	cmd.Flags().StringVar(&client, "client", "", "client id or name")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the workers")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func implementationListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your implementations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Employee) error {
				items, err := e.ListImplementations(ctx, actor.ID, !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.Identifier(), it.RequestedOn, fmt.Sprintf("%d/%d", it.CompletedTasks, it.TotalTasks)})
				}
				printTable(table.Row{"ID", "Implementation", "Requested", "Done"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include fully completed implementations")
	return cmd
}

func implementationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an implementation and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetImplementation(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("%s (%d/%d done)\n", d.Identifier(), d.CompletedTasks, d.TotalTasks)
				if d.Notes != "" {
					fmt.Printf("Notes: %s\n", d.Notes)
				}
				printTasks(d.Tasks)
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Work on tasks",
		Long:  "Tasks are the steps of an implementation. A task is ready once the task for its blocking step is complete. Commands act as the employee given with --as.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskRequestCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var view string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assigned, unassigned or completed tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Employee) error {
				var items []domain.TaskView
				var err error
				switch view {
				case "assigned":
					items, err = e.AssignedTasks(ctx, actor)
				case "unassigned":
					items, err = e.UnassignedTasks(ctx, actor)
				case "completed":
					items, err = e.CompletedTasks(ctx, limit)
				default:
					return fmt.Errorf("unknown view %q (assigned, unassigned or completed)", view)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printTasks(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&view, "view", "assigned", "assigned, unassigned or completed")
	cmd.Flags().IntVar(&limit, "limit", 10, "number of completed tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task with its assignments and requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.TaskDetail(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Println(d.Identifier())
				switch {
				case d.Completed():
					fmt.Printf("Status: completed %s\n", *d.CompletedOn)
				case d.Blocker != nil && !d.Blocker.Ready:
					fmt.Printf("Status: blocked by %s\n", d.Blocker.BlockerStepName)
				default:
					fmt.Println("Status: ready")
				}
				if d.AssigneeName != "" {
					fmt.Printf("Assignee: %s\n", d.AssigneeName)
				}
				for _, r := range d.Requests {
					reply := "(open)"
					if r.CompletedInfo != nil {
						reply = *r.CompletedInfo
					}
					fmt.Printf("Request #%d from %s: %s -> %s\n", r.ID, r.RequesterName, r.RequestedInfo, reply)
				}
				return nil
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	var worker string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a task to yourself, or to --worker as a manager",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Employee) error {
				workerID := actor.ID
				if worker != "" {
					w, err := employeeByEmail(ctx, e, worker)
					if err != nil {
						return err
					}
					workerID = w.ID
				}
				a, err := e.AssignTask(ctx, engine.AssignOptions{TaskID: id, WorkerID: workerID, ActorID: actor.ID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("Task %d assigned to %s\n", id, a.AssigneeName)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker email (managers only)")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a ready task complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Employee) error {
				t, err := e.CompleteTask(ctx, engine.CompleteOptions{TaskID: id, ActorID: actor.ID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Task %d completed\n", t.ID)
				return nil
			})
		},
	}
}

func taskRequestCmd() *cobra.Command {
	var info string
	cmd := &cobra.Command{
		Use:   "request <id>",
		Short: "Ask the client's manager for information",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Employee) error {
				req, err := e.RequestInformation(ctx, engine.RequestOptions{TaskID: id, WorkerID: actor.ID, Info: info})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(req)
				}
				fmt.Printf("Request %d sent\n", req.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&info, "info", "", "what you need to know")
	_ = cmd.MarkFlagRequired("info")
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Answer information requests"}
	req.AddCommand(requestListCmd())
	req.AddCommand(requestReplyCmd())
	return req
}

func requestListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List open requests addressed to you",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Employee) error {
				items, err := e.OpenRequests(ctx, actor.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					task := fmt.Sprintf("%s %d: %s | %s", it.ServiceName, it.ImplementationID, it.ClientName, it.StepName)
					rows = append(rows, table.Row{it.ID, task, it.RequesterName, it.RequestedInfo, it.RequestedOn})
				}
				printTable(table.Row{"ID", "Task", "From", "Info", "Requested"}, rows)
				return nil
			})
		},
	}
}

func requestReplyCmd() *cobra.Command {
	var reply string
	cmd := &cobra.Command{
		Use:   "reply <id>",
		Short: "Reply to and close a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Employee) error {
				req, err := e.ResolveRequest(ctx, engine.ResolveOptions{RequestID: id, ManagerID: actor.ID, Reply: reply})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(req)
				}
				fmt.Printf("Request %d closed\n", req.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reply, "reply", "", "the answer")
	_ = cmd.MarkFlagRequired("reply")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the JSON API"}
	keys.AddCommand(apiKeyCreateCmd())
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyDeleteCmd())
	return keys
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for yourself",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Employee) error {
				key, raw, err := e.CreateAPIKey(ctx, actor.ID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "name": key.Name, "key": raw})
				}
				fmt.Printf("API key %s created. Send it as X-Api-Key; it is only shown once:\n%s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Employee) error {
				items, err := e.Repo.ListAPIKeys(ctx, actor.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.Name, it.CreatedAt})
				}
				printTable(table.Row{"ID", "Name", "Created"}, rows)
				return nil
			})
		},
	}
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke one of your API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Employee) error {
				if err := e.Repo.RevokeAPIKey(ctx, actor.ID, args[0]); err != nil {
					return fmt.Errorf("api key %s: %w", args[0], err)
				}
				fmt.Printf("API key %s revoked\n", args[0])
				return nil
			})
		},
	}
}

func reminderCmd() *cobra.Command {
	rem := &cobra.Command{Use: "reminders", Short: "Remind managers about stale requests"}
	rem.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one reminder sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := reminder.New(e, log.New(os.Stderr, "", log.LstdFlags)).Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Sent %d reminders\n", n)
				return nil
			})
		},
	})
	return rem
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				rows := make([]table.Row, 0, len(events))
				for _, evt := range events {
					actor := ""
					if evt.ActorID != nil {
						actor = strconv.FormatInt(*evt.ActorID, 10)
					}
					rows = append(rows, table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, actor})
				}
				printTable(table.Row{"ID", "Time", "Type", "Entity", "Actor"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), log.New(os.Stderr, "", log.LstdFlags))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

// withActor resolves --as before running fn.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, domain.Employee) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		actor, err := app.ResolveActor(ctx, e, viper.GetString("as"))
		if err != nil {
			return err
		}
		return fn(ctx, e, actor)
	})
}

func optionalActor(ctx context.Context, e engine.Engine) (int64, error) {
	if viper.GetString("as") == "" {
		return 0, nil
	}
	actor, err := app.ResolveActor(ctx, e, viper.GetString("as"))
	if err != nil {
		return 0, err
	}
	return actor.ID, nil
}

func employeeByEmail(ctx context.Context, e engine.Engine, email string) (domain.Employee, error) {
	emp, err := e.EmployeeByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Employee{}, fmt.Errorf("no employee with email %s", email)
	}
	return emp, err
}

// resolveService accepts an id or an exact service name.
func resolveService(ctx context.Context, e engine.Engine, ref string) (domain.Service, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return e.Service(ctx, id)
	}
	services, err := e.ListServices(ctx)
	if err != nil {
		return domain.Service{}, err
	}
	for _, s := range services {
		if s.Name == ref {
			return s, nil
		}
	}
	return domain.Service{}, fmt.Errorf("service %q: %w", ref, repo.ErrNotFound)
}

func resolveClient(ctx context.Context, e engine.Engine, ref string) (domain.Client, error) {
	clients, err := e.ListClients(ctx, 0)
	if err != nil {
		return domain.Client{}, err
	}
	id, idErr := strconv.ParseInt(ref, 10, 64)
	for _, c := range clients {
		if (idErr == nil && c.ID == id) || c.Name == ref {
			return c, nil
		}
	}
	return domain.Client{}, fmt.Errorf("client %q: %w", ref, repo.ErrNotFound)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printTasks(items []domain.TaskView) {
	rows := make([]table.Row, 0, len(items))
	for _, t := range items {
		status := "ready"
		switch {
		case t.Completed():
			status = "done"
		case !t.Ready:
			status = "blocked"
		}
		rows = append(rows, table.Row{t.ID, fmt.Sprintf("%s %d: %s", t.ServiceName, t.ImplementationID, t.ClientName), t.StepName, status, t.AssigneeName})
	}
	printTable(table.Row{"ID", "Implementation", "Step", "Status", "Assignee"}, rows)
}

func printTable(header table.Row, rows []table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
